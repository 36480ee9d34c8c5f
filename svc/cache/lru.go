// Package cache memoizes decoded content by digest so repeated queries don't
// re-run base64/AES work for every keystroke.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"clipvault/metrics"
	"clipvault/pkg/domain"
)

type Decoded struct {
	c  *lru.Cache[string, domain.Content]
	mu sync.Mutex
}

func NewDecoded(size int) (*Decoded, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, domain.Content](size)
	if err != nil {
		return nil, err
	}
	return &Decoded{c: c}, nil
}

func (d *Decoded) Get(digest string) (domain.Content, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.c.Get(digest)
	if ok {
		metrics.CacheHits.Inc()
	} else {
		metrics.CacheMisses.Inc()
	}
	return content, ok
}

func (d *Decoded) Set(digest string, content domain.Content) {
	if digest == "" || content == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.Add(digest, content)
}

func (d *Decoded) Delete(digest string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.Remove(digest)
}

func (d *Decoded) Purge() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.Purge()
}
