package chat

import (
	"fmt"

	"github.com/petervdpas/cove/internal/docstore"
)

// Status is the delivery state of a message entry.
type Status string

const (
	StatusSending   Status = "sending"
	StatusUploading Status = "uploading"
	StatusSent      Status = "sent"
	StatusError     Status = "error"
)

// Reply is the denormalized snapshot of the message being replied to.
type Reply struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// Message is one conversation entry. Confirmed messages carry the
// store-assigned ID; optimistic entries only have TempID and Created.
type Message struct {
	ID          string `json:"-"`
	TempID      string `json:"tempId,omitempty"`
	Text        string `json:"text"`
	FileURL     string `json:"fileUrl,omitempty"`
	FileType    string `json:"fileType,omitempty"`
	SenderEmail string `json:"senderEmail"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	ReplyTo     *Reply `json:"replyTo,omitempty"`
	SeenAt      int64  `json:"seenAt,omitempty"`
	Edited      bool   `json:"edited,omitempty"`
	EditedAt    int64  `json:"editedAt,omitempty"`
	IsForwarded bool   `json:"isForwarded,omitempty"`

	// Local only.
	Created int64  `json:"-"`
	Status  Status `json:"-"`
}

// Confirmed reports whether the store has persisted this message.
func (m Message) Confirmed() bool { return m.ID != "" }

// Summary is the conversation-list preview of the message.
func (m Message) Summary() string {
	if m.FileURL != "" {
		return "📎 " + m.Text
	}
	return m.Text
}

func messagesPath(chatID string) string {
	return docstore.Path("contacts", chatID, "messages")
}

func decodeMessage(d *docstore.Doc) (Message, error) {
	var m Message
	if err := d.DataTo(&m); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", d.ID, err)
	}
	m.ID = d.ID
	m.Status = StatusSent
	return m, nil
}

func decodeMessages(docs []*docstore.Doc) []Message {
	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		m, err := decodeMessage(d)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// docData is the document written for m. The store assigns timestamp.
func (m Message) docData() docstore.Data {
	d := docstore.Data{
		"text":        m.Text,
		"senderEmail": m.SenderEmail,
		"timestamp":   docstore.ServerTimestamp,
		"fileUrl":     nil,
		"fileType":    nil,
		"replyTo":     nil,
	}
	if m.TempID != "" {
		d["tempId"] = m.TempID
	}
	if m.FileURL != "" {
		d["fileUrl"] = m.FileURL
		d["fileType"] = m.FileType
	}
	if m.ReplyTo != nil {
		d["replyTo"] = map[string]any{"text": m.ReplyTo.Text, "sender": m.ReplyTo.Sender}
	}
	if m.IsForwarded {
		d["isForwarded"] = true
	}
	return d
}
