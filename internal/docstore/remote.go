package docstore

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// remoteTimeout bounds requests issued without a caller context
	// (Subscribe) and every frame write.
	remoteTimeout = 10 * time.Second
)

// Remote is a Store client of a relay over one websocket connection.
type Remote struct {
	conn *websocket.Conn
	url  string

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Reply
	feeds   map[string]*feed

	done     chan struct{}
	doneOnce sync.Once
}

// DialRemote connects to a relay websocket endpoint (ws://host/ws). token, if
// non-empty, is sent as a bearer token.
func DialRemote(ctx context.Context, url, token string) (*Remote, error) {
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	r := &Remote{
		conn:    conn,
		url:     url,
		pending: make(map[uint64]chan Reply),
		feeds:   make(map[string]*feed),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	log.Printf("STORE: connected to relay %s", url)
	return r, nil
}

func (r *Remote) NewID() string { return uuid.NewString() }

func (r *Remote) Add(ctx context.Context, collection string, data Data) (string, error) {
	id := r.NewID()
	if err := r.Set(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Remote) Set(ctx context.Context, collection, id string, data Data) error {
	_, err := r.call(ctx, Request{Op: OpSet, Collection: collection, ID: id, Data: data})
	return err
}

func (r *Remote) Update(ctx context.Context, collection, id string, fields Data) error {
	_, err := r.call(ctx, Request{Op: OpUpdate, Collection: collection, ID: id, Data: fields})
	return err
}

func (r *Remote) UpdateIf(ctx context.Context, collection, id string, g Guard, fields Data) error {
	_, err := r.call(ctx, Request{Op: OpUpdate, Collection: collection, ID: id, Data: fields, Guard: &g})
	return err
}

func (r *Remote) Delete(ctx context.Context, collection, id string) error {
	_, err := r.call(ctx, Request{Op: OpDelete, Collection: collection, ID: id})
	return err
}

func (r *Remote) Get(ctx context.Context, collection, id string) (*Doc, error) {
	rep, err := r.call(ctx, Request{Op: OpGet, Collection: collection, ID: id})
	if err != nil {
		return nil, err
	}
	if rep.Doc == nil {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return rep.Doc, nil
}

func (r *Remote) Query(ctx context.Context, q Query) ([]*Doc, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	rep, err := r.call(ctx, Request{Op: OpQuery, Query: &q})
	if err != nil {
		return nil, err
	}
	return rep.Docs, nil
}

func (r *Remote) Subscribe(q Query) (<-chan Snapshot, func(), error) {
	if err := q.validate(); err != nil {
		return nil, nil, err
	}
	subID := uuid.NewString()
	f := newFeed(q)

	// Register before the request so the first push cannot be missed.
	r.mu.Lock()
	r.feeds[subID] = f
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
	defer cancel()
	if _, err := r.call(ctx, Request{Op: OpSubscribe, Sub: subID, Query: &q}); err != nil {
		r.dropFeed(subID)
		return nil, nil, err
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			r.dropFeed(subID)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
				defer cancel()
				if _, err := r.call(ctx, Request{Op: OpUnsubscribe, Sub: subID}); err != nil && !r.isClosed() {
					log.Printf("STORE: unsubscribe %s failed: %v", subID, err)
				}
			}()
		})
	}
	return f.out, unsubscribe, nil
}

func (r *Remote) dropFeed(subID string) {
	r.mu.Lock()
	f, ok := r.feeds[subID]
	delete(r.feeds, subID)
	r.mu.Unlock()
	if ok {
		f.close()
	}
}

// call sends one request and waits for its reply.
func (r *Remote) call(ctx context.Context, req Request) (Reply, error) {
	req.Req = r.seq.Add(1)
	ch := make(chan Reply, 1)

	r.mu.Lock()
	if r.isClosed() {
		r.mu.Unlock()
		return Reply{}, ErrClosed
	}
	r.pending[req.Req] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, req.Req)
		r.mu.Unlock()
	}()

	if err := r.write(req); err != nil {
		return Reply{}, err
	}

	select {
	case rep := <-ch:
		return rep, rep.Err()
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-r.done:
		return Reply{}, ErrClosed
	}
}

func (r *Remote) write(req Request) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(remoteTimeout))
	if err := r.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (r *Remote) readLoop() {
	defer r.shutdown()
	for {
		var rep Reply
		if err := r.conn.ReadJSON(&rep); err != nil {
			if !r.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("STORE: relay %s read error: %v", r.url, err)
			}
			return
		}

		if rep.Sub != "" && rep.Snapshot != nil {
			r.mu.Lock()
			f, ok := r.feeds[rep.Sub]
			r.mu.Unlock()
			if ok {
				f.push(*rep.Snapshot)
			}
			continue
		}

		r.mu.Lock()
		ch, ok := r.pending[rep.Req]
		r.mu.Unlock()
		if ok {
			ch <- rep
		}
	}
}

func (r *Remote) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Remote) shutdown() {
	r.doneOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		feeds := r.feeds
		r.feeds = make(map[string]*feed)
		r.mu.Unlock()
		for _, f := range feeds {
			f.close()
		}
	})
}

// Close closes the connection; open subscriptions end.
func (r *Remote) Close() error {
	if r.isClosed() {
		return nil
	}
	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.writeMu.Unlock()
	r.shutdown()
	return r.conn.Close()
}
