package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/cove/internal/blob"
	"github.com/petervdpas/cove/internal/call"
	"github.com/petervdpas/cove/internal/chat"
)

// Calls is the part of call.Channel the console drives.
type Calls interface {
	StartCall(ctx context.Context, peer string, t call.Type) (call.Call, error)
	JoinCall(ctx context.Context, incoming call.Call) error
	RejectCall(ctx context.Context, c call.Call) error
	EndCall(ctx context.Context) error
	Pending() (call.Call, bool)
	Current() (call.Call, call.Role, bool)
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	LocalMedia() call.LocalMedia
}

// rowPx is the height the console pretends each message line has when it
// feeds the pager.
const rowPx = 20

const consoleHelp = `Commands:
  <text>                   send text (and staged attachments) to the open chat
  /chats                   list conversations
  /open <email|chat-id>    open a conversation
  /pin <chat-id>           pin or unpin a conversation
  /delchat <chat-id>       delete a conversation and all its messages
  /block <email>           block or unblock a contact
  /history                 print the loaded messages
  /more                    load older messages
  /attach <path>           stage a file for the next send
  /reply <n>               reply to message n of /history
  /edit <n> <text>         edit your message n
  /delete <n>              delete your message n
  /forward <n> <chat-id>   forward message n
  /retry                   retry failed entries of the open chat
  /seen                    mark the open chat as read
  /call <email> [audio|video]
  /answer | /reject | /hangup | /mute | /camera | /status
  /quit`

// Console is a line-oriented front end for one peer.
type Console struct {
	in    io.Reader
	self  string
	calls Calls
	chat  *chat.Pipeline

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	conv    *chat.Conversation
	printed map[string]bool
	failed  map[string]bool
}

func NewConsole(in io.Reader, out io.Writer, self string, calls Calls, pipe *chat.Pipeline) *Console {
	return &Console{
		in:      in,
		out:     out,
		self:    self,
		calls:   calls,
		chat:    pipe,
		printed: make(map[string]bool),
		failed:  make(map[string]bool),
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Notice prints a call notice. Register it with call.Channel.OnNotice.
func (c *Console) Notice(n call.Notice) {
	peer := n.Call.Peer(c.self)
	switch n.Kind {
	case call.NoticeIncoming:
		c.printf("📞 incoming %s call from %s (/answer or /reject)", n.Call.Type, n.Call.Caller)
	case call.NoticeMissed:
		c.printf("📞 missed call from %s", n.Call.Caller)
	case call.NoticeNoAnswer:
		c.printf("📞 %s did not answer", peer)
	case call.NoticeAnswered:
		c.printf("📞 %s answered", peer)
	case call.NoticeRejected:
		c.printf("📞 %s declined the call", peer)
	case call.NoticeEnded:
		c.printf("📞 call with %s ended", peer)
	case call.NoticeFailed:
		c.printf("📞 call with %s failed: %v", peer, n.Err)
	}
}

// Run reads commands until EOF, /quit or ctx ends.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("Signed in as %s. Type /help for commands.", c.self)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.Exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// Exec runs one command line and reports whether the console should stop.
func (c *Console) Exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.report(c.send(ctx, line))
		return false
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	var err error
	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return true
	case "help":
		c.printf("%s", consoleHelp)
	case "chats":
		err = c.listChats(ctx)
	case "open":
		err = c.open(ctx, rest)
	case "pin":
		var on bool
		if on, err = c.chat.TogglePin(ctx, rest); err == nil {
			c.printf("%s %s", rest, pinState(on))
		}
	case "delchat":
		err = c.deleteChat(ctx, rest)
	case "block":
		var on bool
		if on, err = c.chat.ToggleBlock(ctx, rest); err == nil {
			c.printf("%s %s", strings.ToLower(rest), blockState(on))
		}
	case "history":
		c.history()
	case "more":
		err = c.more()
	case "attach":
		err = c.attach(rest)
	case "reply":
		err = c.reply(rest)
	case "edit":
		n, text, _ := strings.Cut(rest, " ")
		err = c.withMessage(n, func(m chat.Message) error { return c.chat.Edit(ctx, m.ID, text) })
	case "delete":
		err = c.withMessage(rest, func(m chat.Message) error { return c.chat.Delete(ctx, m.ID) })
	case "forward":
		n, target, _ := strings.Cut(rest, " ")
		err = c.withMessage(n, func(m chat.Message) error { return c.chat.Forward(ctx, m, strings.TrimSpace(target)) })
	case "retry":
		err = c.retry(ctx)
	case "seen":
		var n int
		if n, err = c.chat.MarkSeen(ctx); err == nil {
			c.printf("marked %d messages as read", n)
		}
	case "call":
		err = c.startCall(ctx, rest)
	case "answer":
		err = c.answer(ctx)
	case "reject":
		err = c.reject(ctx)
	case "hangup":
		err = c.calls.EndCall(ctx)
	case "mute":
		var on bool
		if on, err = c.calls.ToggleAudio(); err == nil {
			c.printf("microphone %s", onOff(on))
		}
	case "camera":
		var on bool
		if on, err = c.calls.ToggleVideo(); err == nil {
			c.printf("camera %s", onOff(on))
		}
	case "status":
		c.status()
	default:
		err = fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
	c.report(err)
	return false
}

func (c *Console) report(err error) {
	if err != nil {
		c.printf("error: %v", err)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func pinState(on bool) string {
	if on {
		return "pinned"
	}
	return "unpinned"
}

func blockState(on bool) string {
	if on {
		return "blocked"
	}
	return "unblocked"
}

func (c *Console) send(ctx context.Context, text string) error {
	c.chat.SetDraft(text)
	return c.chat.SendComposed(ctx)
}

func (c *Console) listChats(ctx context.Context) error {
	chats, err := c.chat.Chats(ctx)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		c.printf("no conversations yet (/open <email>)")
		return nil
	}
	for _, ch := range chats {
		mark := " "
		if ch.Pinned(c.self) {
			mark = "*"
		}
		peer := ch.Peer(c.self)
		if c.chat.IsBlocked(peer) {
			peer += " (blocked)"
		}
		c.printf("%s %s  %-24s %s", mark, ch.ID, peer, ch.LastMessage)
	}
	return nil
}

func (c *Console) deleteChat(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("usage: /delchat <chat-id>")
	}
	if err := c.chat.DeleteChat(ctx, id); err != nil {
		return err
	}
	c.mu.Lock()
	if c.conv != nil && c.conv.ID == id {
		c.conv = nil
	}
	c.mu.Unlock()
	c.printf("deleted %s", id)
	return nil
}

func (c *Console) open(ctx context.Context, target string) error {
	if target == "" {
		return errors.New("usage: /open <email|chat-id>")
	}
	id := target
	if strings.Contains(target, "@") {
		var err error
		if id, err = c.chat.Connect(ctx, target); err != nil {
			return err
		}
	}
	conv, err := c.chat.Open(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conv = conv
	c.printed = make(map[string]bool)
	c.failed = make(map[string]bool)
	c.mu.Unlock()

	conv.OnUpdate(func(v chat.View) { c.render(conv, v) })
	// A snapshot applied before the listener existed counts as history.
	c.mu.Lock()
	for _, m := range conv.Messages() {
		c.printed[m.ID] = true
	}
	c.mu.Unlock()
	c.printf("opened %s", id)
	return nil
}

// render prints what changed since the last view. Snapshot views are
// acknowledged to the pager before anything is printed.
func (c *Console) render(conv *chat.Conversation, v chat.View) {
	c.mu.Lock()
	if c.conv != conv {
		c.mu.Unlock()
		return
	}
	first := v.FirstLoad
	var lines []string
	for _, m := range v.Messages {
		if c.printed[m.ID] {
			continue
		}
		c.printed[m.ID] = true
		if first || m.SenderEmail == c.self || c.chat.IsBlocked(m.SenderEmail) {
			continue
		}
		lines = append(lines, formatMessage(m))
	}
	for _, m := range v.Pending {
		if m.Status == chat.StatusError && !c.failed[m.TempID] {
			c.failed[m.TempID] = true
			lines = append(lines, fmt.Sprintf("✗ not sent: %s (/retry)", m.Text))
		}
	}
	c.mu.Unlock()

	if v.Snapshot {
		height := float64(len(v.Messages) * rowPx)
		conv.Pager().Rendered(chat.Viewport{ScrollTop: height, ScrollHeight: height}, height)
	}
	if first {
		c.printf("%d recent messages (/history to show)", len(v.Messages))
	}
	for _, l := range lines {
		c.printf("%s", l)
	}
}

func formatMessage(m chat.Message) string {
	var b strings.Builder
	if m.Timestamp > 0 {
		b.WriteString(time.UnixMilli(m.Timestamp).Format("15:04 "))
	}
	b.WriteString(m.SenderEmail)
	b.WriteString(": ")
	if m.IsForwarded {
		b.WriteString("[fwd] ")
	}
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "(re %s: %q) ", m.ReplyTo.Sender, m.ReplyTo.Text)
	}
	b.WriteString(m.Summary())
	if m.FileURL != "" {
		fmt.Fprintf(&b, " <%s>", m.FileURL)
	}
	if m.Edited {
		b.WriteString(" (edited)")
	}
	return b.String()
}

func (c *Console) active() (*chat.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil, chat.ErrNoConversation
	}
	return c.conv, nil
}

func (c *Console) history() {
	conv, err := c.active()
	if err != nil {
		c.report(err)
		return
	}
	v := conv.View()
	if v.HasMore {
		c.printf("  … (/more for older)")
	}
	for i, m := range v.Messages {
		c.printf("%3d %s", i+1, formatMessage(m))
	}
	for _, m := range v.Pending {
		c.printf("  - %s: %s [%s]", m.SenderEmail, m.Summary(), m.Status)
	}
}

func (c *Console) more() error {
	conv, err := c.active()
	if err != nil {
		return err
	}
	v := conv.View()
	if !v.HasMore {
		c.printf("start of conversation")
		return nil
	}
	height := float64(len(v.Messages) * rowPx)
	if !conv.Scroll(chat.Viewport{ScrollTop: 0, ScrollHeight: height, ClientHeight: height}) {
		c.printf("already loading")
	}
	return nil
}

func (c *Console) attach(path string) error {
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	f, err := blob.ReadFile(path)
	if err != nil {
		return err
	}
	c.chat.Stage(chat.Attachment{File: f})
	c.printf("staged %s (%s, %d bytes)", f.Name, f.ContentType, len(f.Data))
	return nil
}

func (c *Console) message(arg string) (chat.Message, error) {
	conv, err := c.active()
	if err != nil {
		return chat.Message{}, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	msgs := conv.Messages()
	if err != nil || n < 1 || n > len(msgs) {
		return chat.Message{}, fmt.Errorf("no message %q (see /history)", arg)
	}
	return msgs[n-1], nil
}

func (c *Console) withMessage(arg string, fn func(chat.Message) error) error {
	m, err := c.message(arg)
	if err != nil {
		return err
	}
	return fn(m)
}

func (c *Console) reply(arg string) error {
	m, err := c.message(arg)
	if err != nil {
		return err
	}
	c.chat.ReplyTo(&m)
	c.printf("replying to %s: %q", m.SenderEmail, m.Text)
	return nil
}

func (c *Console) retry(ctx context.Context) error {
	conv, err := c.active()
	if err != nil {
		return err
	}
	var errs []error
	n := 0
	for _, m := range c.chat.Outbox().List(conv.ID) {
		if m.Status != chat.StatusError {
			continue
		}
		n++
		c.mu.Lock()
		delete(c.failed, m.TempID)
		c.mu.Unlock()
		errs = append(errs, c.chat.Retry(ctx, m.TempID))
	}
	if n == 0 {
		c.printf("nothing to retry")
	}
	return errors.Join(errs...)
}

func (c *Console) startCall(ctx context.Context, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return errors.New("usage: /call <email> [audio|video]")
	}
	t := call.Video
	if len(fields) > 1 {
		var err error
		if t, err = call.ParseType(strings.ToLower(fields[1])); err != nil {
			return err
		}
	}
	cl, err := c.calls.StartCall(ctx, strings.ToLower(fields[0]), t)
	if err != nil {
		return err
	}
	c.printf("📞 calling %s (%s)…", cl.Receiver, cl.Type)
	return nil
}

func (c *Console) answer(ctx context.Context) error {
	p, ok := c.calls.Pending()
	if !ok {
		return errors.New("no incoming call")
	}
	if err := c.calls.JoinCall(ctx, p); err != nil {
		return err
	}
	c.printf("📞 connected to %s", p.Caller)
	return nil
}

func (c *Console) reject(ctx context.Context) error {
	p, ok := c.calls.Pending()
	if !ok {
		return errors.New("no incoming call")
	}
	return c.calls.RejectCall(ctx, p)
}

func (c *Console) status() {
	if cl, role, ok := c.calls.Current(); ok {
		c.printf("call %s: %s with %s (%s, %s)", cl.ID, cl.Status, cl.Peer(c.self), cl.Type, role)
		c.printf("  sending %s", describeMedia(c.calls.LocalMedia()))
	} else if p, ok := c.calls.Pending(); ok {
		c.printf("incoming %s call from %s", p.Type, p.Caller)
	} else {
		c.printf("no call")
	}
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv != nil {
		v := conv.View()
		c.printf("chat %s: %d messages loaded, %d pending", conv.ID, len(v.Messages), len(v.Pending))
	}
}

func describeMedia(m call.LocalMedia) string {
	if m == nil {
		return "nothing (no local media)"
	}
	switch {
	case m.HasAudio() && m.HasVideo():
		return "audio and video"
	case m.HasAudio():
		return "audio"
	case m.HasVideo():
		return "video"
	}
	return "nothing (receive-only)"
}
