package docstore

import (
	"reflect"
	"sync"
)

// feed is one subscription's ordered, lossless delivery queue. Producers
// never block; a pump goroutine hands snapshots to the consumer channel.
type feed struct {
	query Query
	out   chan Snapshot

	mu      sync.Mutex
	pending []Snapshot
	last    []*Doc
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newFeed(q Query) *feed {
	f := &feed{
		query: q,
		out:   make(chan Snapshot),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go f.pump()
	return f
}

// publish diffs result against the previous one and queues a snapshot if
// anything changed. The first publish reports every document as added.
func (f *feed) publish(result []*Doc, first bool) {
	f.mu.Lock()
	changes := diff(f.last, result)
	if !first && len(changes) == 0 {
		f.mu.Unlock()
		return
	}
	f.last = result
	f.pending = append(f.pending, Snapshot{Docs: cloneDocs(result), Changes: changes})
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// push queues a snapshot that was computed elsewhere (a relay).
func (f *feed) push(s Snapshot) {
	f.mu.Lock()
	f.pending = append(f.pending, s)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feed) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.pending) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}
		next := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()

		select {
		case f.out <- next:
		case <-f.done:
			return
		}
	}
}

func (f *feed) close() {
	f.once.Do(func() { close(f.done) })
}

func (f *feed) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func diff(prev, next []*Doc) []Change {
	before := make(map[string]*Doc, len(prev))
	for _, d := range prev {
		before[d.ID] = d
	}
	var changes []Change
	seen := make(map[string]bool, len(next))
	for _, d := range next {
		seen[d.ID] = true
		old, ok := before[d.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: Added, Doc: cloneDoc(d)})
		case !sameData(old.Data, d.Data):
			changes = append(changes, Change{Type: Modified, Doc: cloneDoc(d)})
		}
	}
	for _, d := range prev {
		if !seen[d.ID] {
			changes = append(changes, Change{Type: Removed, Doc: cloneDoc(d)})
		}
	}
	return changes
}

func sameData(a, b Data) bool { return reflect.DeepEqual(a, b) }

func cloneDocs(docs []*Doc) []*Doc {
	out := make([]*Doc, len(docs))
	for i, d := range docs {
		out[i] = cloneDoc(d)
	}
	return out
}

// hub fans store writes out to the feeds watching the written collection.
type hub struct {
	mu    sync.Mutex
	feeds map[*feed]struct{}
}

func newHub() *hub {
	return &hub{feeds: make(map[*feed]struct{})}
}

func (h *hub) add(f *feed) func() {
	h.mu.Lock()
	h.feeds[f] = struct{}{}
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.feeds, f)
		h.mu.Unlock()
		f.close()
	}
}

// watching returns the live feeds on collection.
func (h *hub) watching(collection string) []*feed {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*feed
	for f := range h.feeds {
		if f.query.Collection == collection && !f.closed() {
			out = append(out, f)
		}
	}
	return out
}

func (h *hub) closeAll() {
	h.mu.Lock()
	feeds := h.feeds
	h.feeds = make(map[*feed]struct{})
	h.mu.Unlock()
	for f := range feeds {
		f.close()
	}
}
