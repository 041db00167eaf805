package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCellClosed is returned for mutations after the cell is disposed.
var ErrCellClosed = errors.New("cluster: cell closed")

// Cell is the single-writer mutator over the cluster state. Updaters run
// one at a time behind a sync.Mutex, so waiting updaters are not
// guaranteed to run in arrival order; readers take lock-free snapshots. This
// serialization is what coalesces concurrent recoveries: the first queued
// updater performs the refresh, the rest observe the already-refreshed
// state on their turn and short-circuit.
type Cell struct {
	mu     sync.Mutex
	cur    atomic.Pointer[State]
	closed atomic.Bool
}

// NewCell returns a cell holding the zero state.
func NewCell() *Cell {
	c := &Cell{}
	c.cur.Store(Zero())
	return c
}

// Peek returns the last committed state without blocking.
func (c *Cell) Peek() *State {
	return c.cur.Load()
}

// Update applies f to the committed state and commits the result. No two
// updaters run concurrently.
func (c *Cell) Update(f func(*State) *State) (*State, error) {
	return c.UpdateFunc(context.Background(), func(_ context.Context, s *State) (*State, error) {
		return f(s), nil
	})
}

// UpdateFunc holds the writer slot for the duration of f, which may block
// (discovery I/O runs inside updaters). If f returns an error nothing is
// committed. The context only bounds f itself; the wait for the writer
// slot is not cancellable.
func (c *Cell) UpdateFunc(ctx context.Context, f func(context.Context, *State) (*State, error)) (*State, error) {
	if c.closed.Load() {
		return nil, ErrCellClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrCellClosed
	}

	next, err := f(ctx, c.cur.Load())
	if err != nil {
		return nil, err
	}
	if next != nil {
		c.cur.Store(next)
	}
	return c.cur.Load(), nil
}

// UpdateWithResult applies f like Update and additionally returns the value
// f produced to the submitting caller.
func UpdateWithResult[R any](c *Cell, f func(*State) (*State, R, error)) (*State, R, error) {
	var res R
	st, err := c.UpdateFunc(context.Background(), func(_ context.Context, s *State) (*State, error) {
		next, r, err := f(s)
		if err != nil {
			return nil, err
		}
		res = r
		return next, nil
	})
	return st, res, err
}

// Close disposes the cell: every channel in the final state is closed and
// further updates fail with ErrCellClosed. Peek keeps returning the final
// state.
func (c *Cell) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, ch := range c.cur.Load().Channels() {
		_ = ch.Close()
	}
	return nil
}
