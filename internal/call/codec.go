package call

import (
	"fmt"

	"github.com/petervdpas/cove/internal/docstore"
)

const callsCollection = "calls"

func decodeCall(d *docstore.Doc) (Call, error) {
	var c Call
	if err := d.DataTo(&c); err != nil {
		return Call{}, fmt.Errorf("decode call %s: %w", d.ID, err)
	}
	c.ID = d.ID
	if !c.Status.Valid() {
		return Call{}, fmt.Errorf("decode call %s: unknown status %q", d.ID, c.Status)
	}
	return c, nil
}

// newCallData is the document the caller writes when dialing.
func newCallData(c Call) docstore.Data {
	return docstore.Data{
		"type":      string(c.Type),
		"caller":    c.Caller,
		"receiver":  c.Receiver,
		"status":    string(Dialing),
		"offer":     map[string]any{"sdp": c.Offer.SDP, "type": c.Offer.Type},
		"createdAt": docstore.ServerTimestamp,
	}
}

func decodeCandidate(d *docstore.Doc) (Candidate, error) {
	var c Candidate
	if err := d.DataTo(&c); err != nil {
		return Candidate{}, err
	}
	if c.Candidate == "" {
		return Candidate{}, fmt.Errorf("candidate %s is empty", d.ID)
	}
	return c, nil
}
