// Package listview implements the virtualization layer for long lists: a
// pool of reusable render surfaces (RowCache) and a View that renders only
// the rows inside its window.
package listview

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/vanderheijden86/arbor/pkg/debug"
	"github.com/vanderheijden86/arbor/pkg/metrics"
)

// ErrRendererNotFound is returned when a row is requested for a template id
// with no registered renderer. It is a configuration error.
var ErrRendererNotFound = errors.New("no renderer registered for template")

// ErrNestedTransaction is returned by Transact when called from inside
// another transaction.
var ErrNestedTransaction = errors.New("row cache transaction already in progress")

// Surface is the container a row is drawn into. Implementations must be
// comparable (pointer types), since the cache tracks pending detaches by
// identity.
type Surface interface {
	// Attach places the surface at the given offset in its container.
	Attach(top int)
	// Detach removes the surface from its container without destroying it.
	Detach()
}

// TemplateRenderer materializes and tears down the per-surface state for
// one template id.
type TemplateRenderer interface {
	// RenderTemplate builds the static structure of a row inside s and
	// returns renderer-defined metadata for it.
	RenderTemplate(s Surface) any
	// DisposeTemplate releases the metadata returned by RenderTemplate.
	DisposeTemplate(data any)
}

// Row is a reusable render unit. It is owned by the cache while pooled and
// by the caller between Get and Release, never both.
type Row struct {
	Surface      Surface
	TemplateID   string
	TemplateData any

	// Connected is set by Get when the row was released earlier in the
	// same transaction and its surface is still attached.
	Connected bool
}

// CacheStats is a snapshot of pool behaviour.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Pooled int
}

// RowCache pools rows per template id. It assumes a single writer.
type RowCache struct {
	renderers  map[string]TemplateRenderer
	newSurface func() Surface
	pools      map[string][]*Row

	inTransaction  bool
	pendingRemoval map[Surface]struct{}

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRowCache creates a cache using the given renderer per template id.
// newSurface creates an empty, detached surface on a cache miss.
func NewRowCache(renderers map[string]TemplateRenderer, newSurface func() Surface) *RowCache {
	r := make(map[string]TemplateRenderer, len(renderers))
	for id, renderer := range renderers {
		r[id] = renderer
	}
	return &RowCache{
		renderers:      r,
		newSurface:     newSurface,
		pools:          make(map[string][]*Row),
		pendingRemoval: make(map[Surface]struct{}),
	}
}

// Get returns a pooled row for templateID, or creates one when the pool is
// empty. A row obtained from Get must be released before it is handed out
// again; the cache cannot detect a double release.
func (c *RowCache) Get(templateID string) (*Row, error) {
	pool := c.pools[templateID]
	if n := len(pool); n > 0 {
		row := pool[n-1]
		pool[n-1] = nil
		c.pools[templateID] = pool[:n-1]

		_, row.Connected = c.pendingRemoval[row.Surface]
		if row.Connected {
			delete(c.pendingRemoval, row.Surface)
		}

		c.hits.Add(1)
		metrics.RowCacheHits.Inc()
		return row, nil
	}

	renderer, err := c.renderer(templateID)
	if err != nil {
		return nil, err
	}

	surface := c.newSurface()
	row := &Row{
		Surface:      surface,
		TemplateID:   templateID,
		TemplateData: renderer.RenderTemplate(surface),
	}

	c.misses.Add(1)
	metrics.RowCacheMisses.Inc()
	debug.Log("rowcache: new row for template %q", templateID)
	return row, nil
}

// Release detaches the row's surface and returns the row to its pool.
// Inside a transaction the detach is deferred until the transaction ends.
func (c *RowCache) Release(row *Row) {
	if row == nil {
		return
	}

	if row.Surface != nil {
		if c.inTransaction {
			c.pendingRemoval[row.Surface] = struct{}{}
		} else {
			row.Surface.Detach()
		}
	}
	row.Connected = false
	c.pools[row.TemplateID] = append(c.pools[row.TemplateID], row)
}

// Transact runs fn with detaches deferred. Surfaces released and then
// reused by Get within fn are never detached.
func (c *RowCache) Transact(fn func()) error {
	if c.inTransaction {
		return ErrNestedTransaction
	}

	c.inTransaction = true
	defer func() {
		for surface := range c.pendingRemoval {
			surface.Detach()
		}
		clear(c.pendingRemoval)
		c.inTransaction = false
	}()

	fn()
	return nil
}

// Dispose asks each renderer to tear down the metadata of every pooled row
// and empties the pools. Rows currently held by callers are not touched.
func (c *RowCache) Dispose() {
	for templateID, pool := range c.pools {
		renderer, ok := c.renderers[templateID]
		for _, row := range pool {
			if ok {
				renderer.DisposeTemplate(row.TemplateData)
			}
			row.TemplateData = nil
		}
	}
	clear(c.pools)
	clear(c.pendingRemoval)
}

// Stats returns hit/miss counts and the number of pooled rows.
func (c *RowCache) Stats() CacheStats {
	pooled := 0
	for _, pool := range c.pools {
		pooled += len(pool)
	}
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Pooled: pooled,
	}
}

func (c *RowCache) renderer(templateID string) (TemplateRenderer, error) {
	renderer, ok := c.renderers[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRendererNotFound, templateID)
	}
	return renderer, nil
}
