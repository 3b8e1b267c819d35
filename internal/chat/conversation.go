package chat

import (
	"log"
	"sync"

	"github.com/petervdpas/cove/internal/docstore"
)

// View is what a front end renders for the open conversation.
type View struct {
	ChatID    string
	Messages  []Message
	Pending   []Message
	HasMore   bool
	Loading   bool
	FirstLoad bool
	// Snapshot is set when the view follows a store snapshot rather than an
	// outbox change. Only snapshot views are acknowledged to the pager.
	Snapshot  bool
}

// Conversation is the live window onto one chat's messages.
type Conversation struct {
	ID string

	store  docstore.Store
	outbox *Outbox
	pager  *Pager

	mu        sync.Mutex
	gen       int
	cancel    func()
	messages  []Message
	loaded    bool
	closed    bool
	listeners []func(View)
}

// OnUpdate registers fn to be called after every snapshot and outbox change.
func (c *Conversation) OnUpdate(fn func(View)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Pager exposes the pagination state for Rendered calls.
func (c *Conversation) Pager() *Pager { return c.pager }

// View returns the current messages and pending entries.
func (c *Conversation) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(false, false)
}

func (c *Conversation) viewLocked(first, snapshot bool) View {
	return View{
		ChatID:    c.ID,
		Messages:  append([]Message(nil), c.messages...),
		Pending:   c.outbox.List(c.ID),
		HasMore:   c.pager.HasMore(),
		Loading:   c.pager.Loading(),
		FirstLoad: first,
		Snapshot:  snapshot,
	}
}

// Scroll feeds a scroll event to the pager and re-queries when it asks for
// an older page.
func (c *Conversation) Scroll(v Viewport) bool {
	c.mu.Lock()
	if c.closed || !c.pager.Scrolled(v) {
		c.mu.Unlock()
		return false
	}
	// Snapshots of the old window must not count against the new limit.
	c.gen++
	c.mu.Unlock()

	if err := c.subscribe(); err != nil {
		log.Printf("CHAT [%s]: load more: %v", c.ID, err)
		return false
	}
	log.Printf("CHAT [%s]: loading older messages (limit %d)", c.ID, c.pager.Limit())
	return true
}

// Messages returns the confirmed messages in ascending timestamp order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// subscribe (re)opens the message query at the pager's current limit.
func (c *Conversation) subscribe() error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	prev := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if prev != nil {
		prev()
	}

	q := docstore.Collection(messagesPath(c.ID)).Order("timestamp", false).Last(c.pager.Limit())
	ch, cancel, err := c.store.Subscribe(q)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		for snap := range ch {
			c.apply(gen, snap)
		}
	}()
	return nil
}

func (c *Conversation) apply(gen int, snap docstore.Snapshot) {
	msgs := decodeMessages(snap.Docs)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.messages = msgs
	first := !c.loaded
	c.loaded = true
	c.pager.Loaded(len(msgs))
	if n := c.outbox.Reconcile(c.ID, msgs); n > 0 {
		log.Printf("CHAT [%s]: %d pending messages confirmed", c.ID, n)
	}
	v := c.viewLocked(first, true)
	listeners := make([]func(View), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(v)
	}
}

// changed pushes a view after an outbox change.
func (c *Conversation) changed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	v := c.viewLocked(false, false)
	listeners := make([]func(View), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(v)
	}
}

func (c *Conversation) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
