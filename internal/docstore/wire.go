package docstore

import "errors"

// Relay wire operations.
const (
	OpAdd         = "add"
	OpSet         = "set"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpGet         = "get"
	OpQuery       = "query"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Request is a client → relay frame.
type Request struct {
	Op         string `json:"op"`
	Req        uint64 `json:"req"`
	Collection string `json:"collection,omitempty"`
	ID         string `json:"id,omitempty"`
	Data       Data   `json:"data,omitempty"`
	Query      *Query `json:"query,omitempty"`
	Sub        string `json:"sub,omitempty"`
	Guard      *Guard `json:"guard,omitempty"`
}

// Reply is a relay → client frame: either the answer to Req or, when Sub is
// set, a pushed subscription snapshot.
type Reply struct {
	Req      uint64    `json:"req,omitempty"`
	ID       string    `json:"id,omitempty"`
	Doc      *Doc      `json:"doc,omitempty"`
	Docs     []*Doc    `json:"docs,omitempty"`
	Error    string    `json:"error,omitempty"`
	Code     string    `json:"code,omitempty"`
	Sub      string    `json:"sub,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

const (
	codeNotFound = "not_found"
	codeClosed   = "closed"
	codeInvalid  = "invalid"
	codeConflict = "conflict"
)

// ErrorReply encodes err for the wire, keeping sentinel identity.
func ErrorReply(req uint64, err error) Reply {
	r := Reply{Req: req, Error: err.Error()}
	switch {
	case errors.Is(err, ErrNotFound):
		r.Code = codeNotFound
	case errors.Is(err, ErrClosed):
		r.Code = codeClosed
	case errors.Is(err, ErrInvalidQuery):
		r.Code = codeInvalid
	case errors.Is(err, ErrConflict):
		r.Code = codeConflict
	}
	return r
}

// Err decodes the reply's error, nil when the request succeeded.
func (r Reply) Err() error {
	if r.Error == "" {
		return nil
	}
	e := &remoteError{msg: r.Error}
	switch r.Code {
	case codeNotFound:
		e.kind = ErrNotFound
	case codeClosed:
		e.kind = ErrClosed
	case codeInvalid:
		e.kind = ErrInvalidQuery
	case codeConflict:
		e.kind = ErrConflict
	}
	return e
}

// remoteError carries the relay's message and, when known, the sentinel it
// wrapped on the other side.
type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }
