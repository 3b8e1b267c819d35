package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/cove/internal/docstore"
)

// client is one connected peer. Requests are executed in arrival order so a
// peer's writes land in the order it issued them.
type client struct {
	conn  *websocket.Conn
	store docstore.Store

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]func()
}

func (c *client) serve() {
	defer c.cancelAll()
	defer c.conn.Close()

	for {
		var req docstore.Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("RELAY: read error: %v", err)
			}
			return
		}
		rep := c.handle(req)
		rep.Req = req.Req
		if err := c.write(rep); err != nil {
			log.Printf("RELAY: write error: %v", err)
			return
		}
	}
}

func (c *client) handle(req docstore.Request) docstore.Reply {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch req.Op {
	case docstore.OpAdd:
		id, err := c.store.Add(ctx, req.Collection, req.Data)
		if err != nil {
			return docstore.ErrorReply(req.Req, err)
		}
		return docstore.Reply{ID: id}

	case docstore.OpSet:
		if err := c.store.Set(ctx, req.Collection, req.ID, req.Data); err != nil {
			return docstore.ErrorReply(req.Req, err)
		}
		return docstore.Reply{ID: req.ID}

	case docstore.OpUpdate:
		var err error
		if req.Guard != nil {
			err = c.store.UpdateIf(ctx, req.Collection, req.ID, *req.Guard, req.Data)
		} else {
			err = c.store.Update(ctx, req.Collection, req.ID, req.Data)
		}
		if err != nil {
			return docstore.ErrorReply(req.Req, err)
		}
		return docstore.Reply{ID: req.ID}

	case docstore.OpDelete:
		if err := c.store.Delete(ctx, req.Collection, req.ID); err != nil {
			return docstore.ErrorReply(req.Req, err)
		}
		return docstore.Reply{ID: req.ID}

	case docstore.OpGet:
		d, err := c.store.Get(ctx, req.Collection, req.ID)
		if err != nil {
			return docstore.ErrorReply(req.Req, err)
		}
		return docstore.Reply{Doc: d}

	case docstore.OpQuery:
		if req.Query == nil {
			return docstore.ErrorReply(req.Req, fmt.Errorf("%w: missing query", docstore.ErrInvalidQuery))
		}
		docs, err := c.store.Query(ctx, *req.Query)
		if err != nil {
			return docstore.ErrorReply(req.Req, err)
		}
		return docstore.Reply{Docs: docs}

	case docstore.OpSubscribe:
		if req.Query == nil || req.Sub == "" {
			return docstore.ErrorReply(req.Req, fmt.Errorf("%w: subscribe needs query and sub", docstore.ErrInvalidQuery))
		}
		if err := c.subscribe(req.Sub, *req.Query); err != nil {
			return docstore.ErrorReply(req.Req, err)
		}
		return docstore.Reply{}

	case docstore.OpUnsubscribe:
		c.mu.Lock()
		cancel, ok := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		if ok {
			cancel()
		}
		return docstore.Reply{}
	}
	return docstore.ErrorReply(req.Req, fmt.Errorf("unknown op %q", req.Op))
}

func (c *client) subscribe(subID string, q docstore.Query) error {
	ch, cancel, err := c.store.Subscribe(q)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if old, ok := c.subs[subID]; ok {
		old()
	}
	c.subs[subID] = cancel
	c.mu.Unlock()

	go func() {
		for snap := range ch {
			snap := snap
			if err := c.write(docstore.Reply{Sub: subID, Snapshot: &snap}); err != nil {
				cancel()
				return
			}
		}
	}()
	return nil
}

func (c *client) write(rep docstore.Reply) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(rep)
}

func (c *client) cancelAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}
