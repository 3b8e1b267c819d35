// Package chat sends and shows conversation messages on top of docstore.
// Sends are optimistic: entries appear in the outbox at once and are dropped
// when the confirmed copy arrives through the conversation subscription.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/cove/internal/blob"
	"github.com/petervdpas/cove/internal/docstore"
	"github.com/petervdpas/cove/internal/util"
)

var (
	ErrNoConversation = errors.New("chat: no active conversation")
	ErrNotRetryable   = errors.New("chat: message is not in error state")
	ErrNotSender      = errors.New("chat: message belongs to someone else")
)

const (
	contactsCollection = "contacts"
	usersCollection    = "users"
)

// Options configures a Pipeline.
type Options struct {
	Self            string
	ReconcileWindow time.Duration
	PageSize        int
	NearTopPx       int
	NearBottomPx    int
	Now             func() time.Time
}

// Attachment is a file staged for sending. A non-empty URL means it was
// already uploaded.
type Attachment struct {
	File blob.File
	URL  string
}

// Pipeline is the message pipeline for one identity.
type Pipeline struct {
	store  docstore.Store
	blobs  blob.Uploader
	opts   Options
	outbox *Outbox

	mu      sync.Mutex
	conv    *Conversation
	reply   *Message
	staged  []Attachment
	draft   string
	drifted map[string]bool
	blocked map[string]bool
}

func NewPipeline(store docstore.Store, blobs blob.Uploader, opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NearTopPx == 0 {
		opts.NearTopPx = 80
	}
	if opts.NearBottomPx == 0 {
		opts.NearBottomPx = 200
	}
	return &Pipeline{
		store:   store,
		blobs:   blobs,
		opts:    opts,
		outbox:  NewOutbox(opts.ReconcileWindow, opts.Now),
		drifted: make(map[string]bool),
	}
}

// Outbox exposes the optimistic entries.
func (p *Pipeline) Outbox() *Outbox { return p.outbox }

// Open makes chatID the active conversation and starts its subscription.
func (p *Pipeline) Open(ctx context.Context, chatID string) (*Conversation, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, ErrNoConversation
	}
	conv := &Conversation{
		ID:     chatID,
		store:  p.store,
		outbox: p.outbox,
		pager:  NewPager(p.opts.PageSize, p.opts.NearTopPx, p.opts.NearBottomPx),
	}

	p.mu.Lock()
	prev := p.conv
	p.conv = conv
	p.reply = nil
	p.staged = nil
	p.draft = ""
	drifted := p.drifted[chatID]
	p.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	if err := conv.subscribe(); err != nil {
		p.mu.Lock()
		if p.conv == conv {
			p.conv = nil
		}
		p.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", chatID, err)
	}
	if drifted {
		p.recompute(ctx, chatID)
	}
	if _, err := p.Blocked(ctx); err != nil {
		log.Printf("CHAT [%s]: load blocked list: %v", chatID, err)
	}
	log.Printf("CHAT [%s]: opened", chatID)
	return conv, nil
}

// CloseConversation stops the active conversation's subscription.
func (p *Pipeline) CloseConversation() {
	p.mu.Lock()
	conv := p.conv
	p.conv = nil
	p.mu.Unlock()
	if conv != nil {
		conv.close()
	}
}

// Active returns the open conversation, or nil.
func (p *Pipeline) Active() *Conversation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conv
}

// SetDraft stores composer text.
func (p *Pipeline) SetDraft(text string) {
	p.mu.Lock()
	p.draft = text
	p.mu.Unlock()
}

func (p *Pipeline) Draft() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draft
}

// ReplyTo sets the message the next send replies to; nil clears it.
func (p *Pipeline) ReplyTo(m *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m == nil {
		p.reply = nil
		return
	}
	cp := *m
	p.reply = &cp
}

// Stage adds an attachment to the composer.
func (p *Pipeline) Stage(a Attachment) {
	p.mu.Lock()
	p.staged = append(p.staged, a)
	p.mu.Unlock()
}

// Staged returns the composer's attachments.
func (p *Pipeline) Staged() []Attachment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Attachment(nil), p.staged...)
}

// SendComposed sends the composer's draft and staged attachments.
func (p *Pipeline) SendComposed(ctx context.Context) error {
	p.mu.Lock()
	text, staged := p.draft, append([]Attachment(nil), p.staged...)
	p.mu.Unlock()
	return p.Send(ctx, text, staged)
}

// Send posts text and attachments to the active conversation. Concurrent
// calls are independent; units of one call are processed in order.
func (p *Pipeline) Send(ctx context.Context, text string, attachments []Attachment) error {
	text = strings.TrimSpace(text)

	p.mu.Lock()
	conv := p.conv
	if conv == nil {
		p.mu.Unlock()
		return ErrNoConversation
	}
	if text == "" && len(attachments) == 0 {
		p.mu.Unlock()
		return nil
	}
	var reply *Reply
	if p.reply != nil {
		reply = &Reply{Text: p.reply.Text, Sender: p.reply.SenderEmail}
	}
	p.draft = ""
	p.reply = nil
	p.staged = nil
	p.mu.Unlock()

	chatID := conv.ID
	entries := p.build(chatID, text, attachments, reply)
	p.outbox.add(entries...)
	conv.changed()

	var errs []error

	// Uploads run first and in order; a failed one leaves its entry in error.
	for _, e := range entries {
		if e.file == nil {
			continue
		}
		if err := p.upload(ctx, e.msg.TempID); err != nil {
			log.Printf("CHAT [%s]: upload %s failed: %v", chatID, e.file.Name, err)
			errs = append(errs, err)
		}
		conv.changed()
	}

	for _, e := range entries {
		cur, ok := p.outbox.get(e.msg.TempID)
		if !ok || cur.msg.Status == StatusError {
			continue
		}
		if err := p.persist(ctx, cur); err != nil {
			errs = append(errs, err)
			conv.changed()
		}
	}
	return errors.Join(errs...)
}

// build makes the optimistic entries for one send.
func (p *Pipeline) build(chatID, text string, attachments []Attachment, reply *Reply) []*entry {
	base := Message{
		SenderEmail: p.opts.Self,
		Text:        text,
		Created:     p.opts.Now().UnixMilli(),
		Status:      StatusSending,
		ReplyTo:     reply,
	}

	withFile := func(m Message, a Attachment) *entry {
		m.TempID = uuid.NewString()
		m.FileType = blob.Kind(a.File.ContentType)
		e := &entry{chatID: chatID, msg: m}
		if a.URL != "" {
			e.msg.FileURL = a.URL
		} else {
			f := a.File
			e.file = &f
			e.msg.Status = StatusUploading
		}
		return e
	}

	if text != "" && len(attachments) == 1 {
		return []*entry{withFile(base, attachments[0])}
	}

	var out []*entry
	if text != "" {
		m := base
		m.TempID = uuid.NewString()
		out = append(out, &entry{chatID: chatID, msg: m})
	}
	for _, a := range attachments {
		m := base
		m.Text = a.File.Name
		out = append(out, withFile(m, a))
	}
	return out
}

// upload resolves the entry's attachment URL.
func (p *Pipeline) upload(ctx context.Context, tempID string) error {
	e, ok := p.outbox.get(tempID)
	if !ok || e.file == nil {
		return nil
	}
	p.outbox.setStatus(tempID, StatusUploading)
	url, err := p.blobs.Upload(ctx, *e.file)
	if err != nil {
		p.outbox.setStatus(tempID, StatusError)
		return err
	}
	p.outbox.update(tempID, func(e *entry) {
		e.msg.FileURL = url
		e.file = nil
		e.msg.Status = StatusSending
	})
	return nil
}

// persist writes the confirmed document and then the summary.
func (p *Pipeline) persist(ctx context.Context, e entry) error {
	if _, err := p.store.Add(ctx, messagesPath(e.chatID), e.msg.docData()); err != nil {
		log.Printf("CHAT [%s]: write message %s: %v", e.chatID, e.msg.TempID, err)
		p.outbox.setStatus(e.msg.TempID, StatusError)
		return fmt.Errorf("write message: %w", err)
	}
	log.Printf("CHAT [%s]: sent %q", e.chatID, util.Truncate(e.msg.Text, 40))
	p.summarize(ctx, e.chatID, e.msg)
	return nil
}

// summarize updates the conversation summary after a message write. A
// conversation that drifted earlier gets a full recompute instead.
func (p *Pipeline) summarize(ctx context.Context, chatID string, m Message) {
	p.mu.Lock()
	drifted := p.drifted[chatID]
	p.mu.Unlock()
	if drifted {
		p.recompute(ctx, chatID)
		return
	}
	err := p.writeSummary(ctx, chatID, docstore.Data{
		"lastMessage": m.Summary(),
		"lastSender":  m.SenderEmail,
		"timestamp":   docstore.ServerTimestamp,
	})
	if err != nil {
		p.markDrift(chatID, err)
	}
}

// recompute rebuilds the summary from the newest message.
func (p *Pipeline) recompute(ctx context.Context, chatID string) {
	docs, err := p.store.Query(ctx, docstore.Collection(messagesPath(chatID)).Order("timestamp", true).First(1))
	if err != nil {
		p.markDrift(chatID, err)
		return
	}
	fields := docstore.Data{"lastMessage": "", "lastSender": nil, "timestamp": docstore.ServerTimestamp}
	if len(docs) > 0 {
		if last, err := decodeMessage(docs[0]); err == nil {
			fields["lastMessage"] = last.Summary()
			fields["lastSender"] = last.SenderEmail
			if last.Timestamp != 0 {
				fields["timestamp"] = last.Timestamp
			}
		}
	}
	if err := p.writeSummary(ctx, chatID, fields); err != nil {
		p.markDrift(chatID, err)
		return
	}
	p.mu.Lock()
	wasDrifted := p.drifted[chatID]
	delete(p.drifted, chatID)
	p.mu.Unlock()
	if wasDrifted {
		log.Printf("CHAT [%s]: summary repaired", chatID)
	}
}

func (p *Pipeline) writeSummary(ctx context.Context, chatID string, fields docstore.Data) error {
	err := p.store.Update(ctx, contactsCollection, chatID, fields)
	if errors.Is(err, docstore.ErrNotFound) {
		err = p.store.Set(ctx, contactsCollection, chatID, fields)
	}
	return err
}

func (p *Pipeline) markDrift(chatID string, err error) {
	log.Printf("CHAT [%s]: summary update failed: %v", chatID, err)
	p.mu.Lock()
	p.drifted[chatID] = true
	p.mu.Unlock()
}

// Drifted reports whether chatID's summary may be stale.
func (p *Pipeline) Drifted(chatID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drifted[chatID]
}

// Retry re-sends an entry that failed to upload or persist.
func (p *Pipeline) Retry(ctx context.Context, tempID string) error {
	e, ok := p.outbox.get(tempID)
	if !ok || e.msg.Status != StatusError {
		return ErrNotRetryable
	}
	conv := p.Active()
	notify := func() {
		if conv != nil && conv.ID == e.chatID {
			conv.changed()
		}
	}

	if e.file != nil {
		err := p.upload(ctx, tempID)
		notify()
		if err != nil {
			return err
		}
	} else {
		p.outbox.setStatus(tempID, StatusSending)
		notify()
	}
	cur, ok := p.outbox.get(tempID)
	if !ok {
		return nil
	}
	err := p.persist(ctx, cur)
	notify()
	return err
}

func (p *Pipeline) activeID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conv == nil {
		return "", ErrNoConversation
	}
	return p.conv.ID, nil
}

func (p *Pipeline) own(ctx context.Context, chatID, msgID string) error {
	d, err := p.store.Get(ctx, messagesPath(chatID), msgID)
	if err != nil {
		return err
	}
	m, err := decodeMessage(d)
	if err != nil {
		return err
	}
	if m.SenderEmail != p.opts.Self {
		return ErrNotSender
	}
	return nil
}

// Delete removes one of our messages and recomputes the summary.
func (p *Pipeline) Delete(ctx context.Context, msgID string) error {
	chatID, err := p.activeID()
	if err != nil {
		return err
	}
	if err := p.own(ctx, chatID, msgID); err != nil {
		return err
	}
	if err := p.store.Delete(ctx, messagesPath(chatID), msgID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	log.Printf("CHAT [%s]: deleted %s", chatID, msgID)
	p.recompute(ctx, chatID)
	return nil
}

// Edit replaces the text of one of our messages.
func (p *Pipeline) Edit(ctx context.Context, msgID, text string) error {
	chatID, err := p.activeID()
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("chat: edited text is empty")
	}
	if err := p.own(ctx, chatID, msgID); err != nil {
		return err
	}
	if err := p.store.Update(ctx, messagesPath(chatID), msgID, docstore.Data{
		"text":     text,
		"edited":   true,
		"editedAt": docstore.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// MarkSeen stamps seenAt on every message from others that lacks it and
// returns how many were stamped.
func (p *Pipeline) MarkSeen(ctx context.Context) (int, error) {
	chatID, err := p.activeID()
	if err != nil {
		return 0, err
	}
	docs, err := p.store.Query(ctx, docstore.Collection(messagesPath(chatID)).Where("senderEmail", docstore.Neq, p.opts.Self))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range docs {
		if v, ok := d.Data["seenAt"]; ok && v != nil {
			continue
		}
		if err := p.store.Update(ctx, messagesPath(chatID), d.ID, docstore.Data{"seenAt": docstore.ServerTimestamp}); err != nil {
			return n, fmt.Errorf("mark seen: %w", err)
		}
		n++
	}
	if n > 0 {
		log.Printf("CHAT [%s]: marked %d messages seen", chatID, n)
	}
	return n, nil
}

// Forward copies m into target as a forwarded message from us.
func (p *Pipeline) Forward(ctx context.Context, m Message, target string) error {
	if strings.TrimSpace(target) == "" {
		return ErrNoConversation
	}
	fwd := Message{
		Text:        m.Text,
		FileURL:     m.FileURL,
		FileType:    m.FileType,
		SenderEmail: p.opts.Self,
		IsForwarded: true,
	}
	if _, err := p.store.Add(ctx, messagesPath(target), fwd.docData()); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	log.Printf("CHAT [%s]: forwarded %q", target, util.Truncate(m.Text, 40))
	p.summarize(ctx, target, fwd)
	return nil
}
