package cursor

import (
	"context"
	"sync"
	"time"
)

// Reader is the read side of a cursor store.
type Reader interface {
	Read(ctx context.Context, station string) (Cursor, error)
}

// Overlay keeps cursor movements in memory on top of a persistent store.
// Dry runs use it to walk the edge store batch by batch without writing.
type Overlay struct {
	base    Reader
	mu      sync.Mutex
	cursors map[string]Cursor
}

// NewOverlay returns an overlay reading through to base.
func NewOverlay(base Reader) *Overlay {
	return &Overlay{base: base, cursors: make(map[string]Cursor)}
}

// Read returns the in-memory cursor if one was set, otherwise the stored one.
func (o *Overlay) Read(ctx context.Context, station string) (Cursor, error) {
	o.mu.Lock()
	c, ok := o.cursors[station]
	o.mu.Unlock()
	if ok {
		return c, nil
	}
	return o.base.Read(ctx, station)
}

// Advance moves the in-memory cursor forward, never backwards.
func (o *Overlay) Advance(ctx context.Context, station string, seq uint64) error {
	c, err := o.Read(ctx, station)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq > c.LastSeq {
		c.LastSeq = seq
	}
	c.UpdatedAt = time.Now().UTC()
	o.cursors[station] = c
	return nil
}

// Reset sets the in-memory cursor to zero.
func (o *Overlay) Reset(_ context.Context, station string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cursors[station] = Cursor{Station: station, UpdatedAt: time.Now().UTC()}
	return nil
}

// MarkRun is a no-op; an overlay never records runs.
func (o *Overlay) MarkRun(context.Context, string, time.Time) error {
	return nil
}
