package chat

import "sync"

// Viewport is the scroll geometry the front end reports, in pixels.
type Viewport struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

func (v Viewport) fromBottom() float64 { return v.ScrollHeight - v.ScrollTop - v.ClientHeight }

// ScrollKind is what the front end should do after rendering a snapshot.
type ScrollKind int

const (
	ScrollNone ScrollKind = iota
	ScrollBottom
	// ScrollRestore sets scrollTop to Scroll.Top so older messages load
	// above the content the user was looking at.
	ScrollRestore
)

type Scroll struct {
	Kind ScrollKind
	Top  float64
}

// Pager grows the message window backwards in pages while keeping the scroll
// anchor.
type Pager struct {
	pageSize   int
	nearTop    float64
	nearBottom float64

	mu       sync.Mutex
	limit    int
	hasMore  bool
	loading  bool
	restore  bool
	captured float64
	opened   bool
}

func NewPager(pageSize, nearTopPx, nearBottomPx int) *Pager {
	if pageSize <= 0 {
		pageSize = 15
	}
	p := &Pager{pageSize: pageSize, nearTop: float64(nearTopPx), nearBottom: float64(nearBottomPx)}
	p.Reset()
	return p
}

// Reset is called when a conversation opens.
func (p *Pager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = p.pageSize
	p.hasMore = true
	p.loading = false
	p.restore = false
	p.captured = 0
	p.opened = true
}

func (p *Pager) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// Loading reports whether a load-more is in flight.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading || p.restore
}

// Scrolled handles a scroll event. It returns true when it raised the
// limit; the caller must then re-query with Limit().
func (p *Pager) Scrolled(v Viewport) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v.ScrollTop >= p.nearTop || p.loading || p.restore || !p.hasMore {
		return false
	}
	p.loading = true
	p.captured = v.ScrollHeight
	p.limit += p.pageSize
	return true
}

// Loaded records a snapshot of n messages for the current limit.
func (p *Pager) Loaded(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < p.limit {
		p.hasMore = false
	}
	if p.loading {
		p.loading = false
		p.restore = true
	}
}

// Rendered tells the pager the snapshot is on screen. before is the viewport
// as it was before rendering; height is the new scroll height.
func (p *Pager) Rendered(before Viewport, height float64) Scroll {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.restore:
		p.restore = false
		return Scroll{Kind: ScrollRestore, Top: height - p.captured}
	case p.opened:
		p.opened = false
		return Scroll{Kind: ScrollBottom}
	case before.fromBottom() < p.nearBottom:
		return Scroll{Kind: ScrollBottom}
	}
	return Scroll{Kind: ScrollNone}
}
