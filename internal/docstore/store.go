// Package docstore is the realtime document store the sync core is built on:
// collections of JSON documents, queries, push subscriptions and
// server-assigned timestamps.
//
// Three implementations share the same semantics: Memory (process-local),
// SQLite (durable, single host) and Remote (a websocket client of a relay
// that hosts one of the other two).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ServerTimestamp, stored in any top-level field of a write, is replaced by
// the store's clock in epoch milliseconds.
const ServerTimestamp = "\x00server-timestamp"

var (
	ErrNotFound     = errors.New("docstore: document not found")
	ErrClosed       = errors.New("docstore: store closed")
	ErrInvalidQuery = errors.New("docstore: invalid query")
	ErrConflict     = errors.New("docstore: guard not satisfied")
)

// Data is the JSON-typed body of a document.
type Data map[string]any

// Doc is one stored document.
type Doc struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Data       Data   `json:"data"`
}

// DataTo decodes the document body into v (a pointer to a struct with json tags).
func (d *Doc) DataTo(v any) error {
	b, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ToData converts a struct with json tags into document data.
func ToData(v any) (Data, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out Data
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangeType is the kind of change a snapshot reports for one document.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Change is one document change relative to the previous snapshot.
type Change struct {
	Type ChangeType `json:"type"`
	Doc  *Doc       `json:"doc"`
}

// Snapshot is the full result of a subscribed query at one point in time.
type Snapshot struct {
	Docs    []*Doc   `json:"docs"`
	Changes []Change `json:"changes"`
}

// Empty reports whether the snapshot has no documents.
func (s Snapshot) Empty() bool { return len(s.Docs) == 0 }

// Store is the contract every backend satisfies.
type Store interface {
	// NewID allocates a document id without writing anything.
	NewID() string
	Add(ctx context.Context, collection string, data Data) (string, error)
	Set(ctx context.Context, collection, id string, data Data) error
	// Update merges top-level fields into an existing document.
	Update(ctx context.Context, collection, id string, fields Data) error
	// UpdateIf is Update applied only while g holds for the stored document,
	// checked and written atomically. It returns ErrConflict otherwise.
	UpdateIf(ctx context.Context, collection, id string, g Guard, fields Data) error
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (*Doc, error)
	Query(ctx context.Context, q Query) ([]*Doc, error)
	// Subscribe delivers the current result immediately and then one snapshot
	// per change. cancel never blocks and is safe to call more than once.
	Subscribe(q Query) (ch <-chan Snapshot, cancel func(), err error)
	Close() error
}

// Guard makes an update conditional on the stored value of one field.
type Guard struct {
	Field string `json:"field"`
	In    []any  `json:"in"`
}

// Expect builds a guard that holds while field equals one of values.
func Expect(field string, values ...any) Guard {
	return Guard{Field: field, In: values}
}

func (g Guard) check(collection, id string, d Data) error {
	v := d[g.Field]
	for _, want := range g.In {
		if reflect.DeepEqual(v, normalizeValue(want)) {
			return nil
		}
	}
	return fmt.Errorf("%s/%s: %s is %v: %w", collection, id, g.Field, v, ErrConflict)
}

// Path joins collection path segments: Path("calls", id, "callerCandidates").
func Path(segments ...string) string {
	return strings.Join(segments, "/")
}

func validCollection(c string) error {
	if strings.TrimSpace(c) == "" {
		return fmt.Errorf("%w: empty collection", ErrInvalidQuery)
	}
	// Collection paths have an odd number of segments: name[/id/name]...
	if parts := strings.Split(c, "/"); len(parts)%2 == 0 {
		return fmt.Errorf("%w: %q is a document path", ErrInvalidQuery, c)
	}
	return nil
}
