package chat

import (
	"sync"
	"time"

	"github.com/petervdpas/cove/internal/blob"
)

// entry is one optimistic message plus what is needed to finish sending it.
type entry struct {
	chatID string
	msg    Message
	file   *blob.File
}

// Outbox holds optimistic entries until a confirmed copy shows up.
type Outbox struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries []*entry
}

func NewOutbox(window time.Duration, now func() time.Time) *Outbox {
	if window <= 0 {
		window = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Outbox{window: window, now: now}
}

func (o *Outbox) add(entries ...*entry) {
	o.mu.Lock()
	o.entries = append(o.entries, entries...)
	o.mu.Unlock()
}

// update runs fn on the live entry for tempID. Returns false if it is gone.
func (o *Outbox) update(tempID string, fn func(e *entry)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.msg.TempID == tempID {
			fn(e)
			return true
		}
	}
	return false
}

func (o *Outbox) get(tempID string) (entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.msg.TempID == tempID {
			return *e, true
		}
	}
	return entry{}, false
}

func (o *Outbox) setStatus(tempID string, s Status) {
	o.update(tempID, func(e *entry) { e.msg.Status = s })
}

// List returns the optimistic entries of a conversation in send order.
func (o *Outbox) List(chatID string) []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Message
	for _, e := range o.entries {
		if e.chatID == chatID {
			out = append(out, e.msg)
		}
	}
	return out
}

// Len counts entries across all conversations.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Reconcile drops every entry of chatID that one of the confirmed messages
// accounts for and returns how many were dropped.
func (o *Outbox) Reconcile(chatID string, confirmed []Message) int {
	if len(confirmed) == 0 {
		return 0
	}
	now := o.now().UnixMilli()

	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.entries[:0]
	removed := 0
	for _, e := range o.entries {
		if e.chatID == chatID && o.matched(e.msg, confirmed, now) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(o.entries); i++ {
		o.entries[i] = nil
	}
	o.entries = kept
	return removed
}

func (o *Outbox) matched(opt Message, confirmed []Message, now int64) bool {
	for _, c := range confirmed {
		if opt.TempID != "" && c.TempID == opt.TempID {
			return true
		}
		if c.Text != opt.Text || c.SenderEmail != opt.SenderEmail {
			continue
		}
		ts := c.Timestamp
		if ts == 0 {
			ts = now
		}
		d := ts - opt.Created
		if d < 0 {
			d = -d
		}
		if d < o.window.Milliseconds() {
			return true
		}
	}
	return false
}
