package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/petervdpas/cove/internal/docstore"
)

// Chat is one entry of the conversation list.
type Chat struct {
	ID           string   `json:"-"`
	Participants []string `json:"participants"`
	LastMessage  string   `json:"lastMessage"`
	LastSender   string   `json:"lastSender"`
	Timestamp    int64    `json:"timestamp"`
	PinnedBy     []string `json:"pinnedBy"`
}

// Pinned reports whether self pinned the chat.
func (c Chat) Pinned(self string) bool {
	return containsFold(c.PinnedBy, self)
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}

// Peer returns the first participant that is not self.
func (c Chat) Peer(self string) string {
	for _, p := range c.Participants {
		if !strings.EqualFold(p, self) {
			return p
		}
	}
	return ""
}

// decodeChats orders chats pinned by self first, then newest first.
func decodeChats(docs []*docstore.Doc, self string) []Chat {
	out := make([]Chat, 0, len(docs))
	for _, d := range docs {
		var c Chat
		if err := d.DataTo(&c); err != nil {
			continue
		}
		c.ID = d.ID
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if pi, pj := out[i].Pinned(self), out[j].Pinned(self); pi != pj {
			return pi
		}
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

// Chats lists the conversations self participates in, pinned first and
// then newest first.
func (p *Pipeline) Chats(ctx context.Context) ([]Chat, error) {
	self := strings.ToLower(p.opts.Self)
	docs, err := p.store.Query(ctx, docstore.Collection(contactsCollection).Where("participants", docstore.Contains, self))
	if err != nil {
		return nil, err
	}
	return decodeChats(docs, self), nil
}

// Connect returns the 1:1 conversation with email, creating it if needed.
func (p *Pipeline) Connect(ctx context.Context, email string) (string, error) {
	self := strings.ToLower(p.opts.Self)
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("chat: %q is not an email address", email)
	}
	if email == self {
		return "", fmt.Errorf("chat: cannot open a conversation with yourself")
	}

	chats, err := p.Chats(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range chats {
		if len(c.Participants) == 2 && c.Peer(self) == email {
			return c.ID, nil
		}
	}

	id, err := p.store.Add(ctx, contactsCollection, docstore.Data{
		"participants": []string{self, email},
		"lastMessage":  "Connection established",
		"timestamp":    docstore.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	log.Printf("CHAT [%s]: connected %s and %s", id, self, email)
	return id, nil
}

// WatchChats calls fn with the conversation list on every change until the
// returned cancel is called.
func (p *Pipeline) WatchChats(fn func([]Chat)) (func(), error) {
	self := strings.ToLower(p.opts.Self)
	ch, cancel, err := p.store.Subscribe(docstore.Collection(contactsCollection).Where("participants", docstore.Contains, self))
	if err != nil {
		return nil, err
	}
	go func() {
		for snap := range ch {
			fn(decodeChats(snap.Docs, self))
		}
	}()
	return cancel, nil
}

func (p *Pipeline) chat(ctx context.Context, chatID string) (Chat, error) {
	d, err := p.store.Get(ctx, contactsCollection, chatID)
	if err != nil {
		return Chat{}, err
	}
	var c Chat
	if err := d.DataTo(&c); err != nil {
		return Chat{}, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	c.ID = d.ID
	if !containsFold(c.Participants, p.opts.Self) {
		return Chat{}, fmt.Errorf("chat: %s is not one of your conversations", chatID)
	}
	return c, nil
}

// DeleteChat removes every message of chatID and then the conversation
// itself. An open conversation on it is closed.
func (p *Pipeline) DeleteChat(ctx context.Context, chatID string) error {
	if _, err := p.chat(ctx, chatID); err != nil {
		return err
	}
	docs, err := p.store.Query(ctx, docstore.Collection(messagesPath(chatID)))
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	for _, d := range docs {
		if err := p.store.Delete(ctx, messagesPath(chatID), d.ID); err != nil {
			return fmt.Errorf("delete message %s: %w", d.ID, err)
		}
	}
	if err := p.store.Delete(ctx, contactsCollection, chatID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	p.mu.Lock()
	var conv *Conversation
	if p.conv != nil && p.conv.ID == chatID {
		conv = p.conv
		p.conv = nil
	}
	delete(p.drifted, chatID)
	p.mu.Unlock()
	if conv != nil {
		conv.close()
	}
	log.Printf("CHAT [%s]: deleted conversation (%d messages)", chatID, len(docs))
	return nil
}

// TogglePin pins or unpins chatID for self and returns the new state.
func (p *Pipeline) TogglePin(ctx context.Context, chatID string) (bool, error) {
	c, err := p.chat(ctx, chatID)
	if err != nil {
		return false, err
	}
	self := strings.ToLower(p.opts.Self)
	pinned := !c.Pinned(self)
	next := []string{}
	for _, e := range c.PinnedBy {
		if !strings.EqualFold(e, self) {
			next = append(next, e)
		}
	}
	if pinned {
		next = append(next, self)
	}
	if err := p.store.Update(ctx, contactsCollection, chatID, docstore.Data{"pinnedBy": next}); err != nil {
		return false, fmt.Errorf("pin: %w", err)
	}
	return pinned, nil
}

// Blocked loads the addresses self has blocked.
func (p *Pipeline) Blocked(ctx context.Context) ([]string, error) {
	d, err := p.store.Get(ctx, usersCollection, strings.ToLower(p.opts.Self))
	if errors.Is(err, docstore.ErrNotFound) {
		p.setBlocked(nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u struct {
		Blocked []string `json:"blocked"`
	}
	if err := d.DataTo(&u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	p.setBlocked(u.Blocked)
	return u.Blocked, nil
}

func (p *Pipeline) setBlocked(list []string) {
	set := make(map[string]bool, len(list))
	for _, e := range list {
		set[strings.ToLower(e)] = true
	}
	p.mu.Lock()
	p.blocked = set
	p.mu.Unlock()
}

// IsBlocked reports whether email was blocked as of the last Blocked,
// ToggleBlock or Open.
func (p *Pipeline) IsBlocked(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked[strings.ToLower(email)]
}

// ToggleBlock blocks or unblocks email for self and returns the new state.
// Front ends stop showing messages from blocked senders.
func (p *Pipeline) ToggleBlock(ctx context.Context, email string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false, errors.New("chat: empty address")
	}
	cur, err := p.Blocked(ctx)
	if err != nil {
		return false, err
	}
	blocked := !containsFold(cur, email)
	next := []string{}
	for _, e := range cur {
		if !strings.EqualFold(e, email) {
			next = append(next, strings.ToLower(e))
		}
	}
	if blocked {
		next = append(next, email)
	}

	self := strings.ToLower(p.opts.Self)
	fields := docstore.Data{"blocked": next}
	err = p.store.Update(ctx, usersCollection, self, fields)
	if errors.Is(err, docstore.ErrNotFound) {
		err = p.store.Set(ctx, usersCollection, self, docstore.Data{"email": self, "blocked": next})
	}
	if err != nil {
		return false, fmt.Errorf("block: %w", err)
	}
	p.setBlocked(next)
	log.Printf("CHAT: %s blocked=%v", email, blocked)
	return blocked, nil
}
