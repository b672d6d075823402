package tydom

import (
	"maps"
	"slices"
	"sync"
)

// PollSet is the set of cdata URLs polled periodically. The router adds
// to it while parsing cmeta responses and the session reads it on each
// poll tick.
type PollSet struct {
	mu   sync.RWMutex
	urls map[string]struct{}
}

// NewPollSet creates an empty set.
func NewPollSet() *PollSet {
	return &PollSet{urls: make(map[string]struct{})}
}

// Add inserts a URL. Duplicates are ignored.
func (p *PollSet) Add(url string) {
	p.mu.Lock()
	p.urls[url] = struct{}{}
	p.mu.Unlock()
}

// URLs returns the URLs in sorted order.
func (p *PollSet) URLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.urls))
}

// Len returns the number of URLs.
func (p *PollSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.urls)
}
