package session

import (
	"context"
	"sync"
	"sync/atomic"

	"vampire-server/internal/prover"
)

// step is one scripted prover response.
type step struct {
	out prover.Output
	err error
}

// fakeAdapter replays scripted steps and counts launches.
type fakeAdapter struct {
	mu      sync.Mutex
	steps   []step
	handles []*fakeHandle

	spawns atomic.Int32
	// block, when set, holds every launch until it is closed.
	block chan struct{}
}

func newFakeAdapter(steps ...step) *fakeAdapter {
	return &fakeAdapter{steps: steps}
}

func (f *fakeAdapter) next() step {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		return step{}
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s
}

func (f *fakeAdapter) wait(ctx context.Context) error {
	if f.block == nil {
		return nil
	}
	select {
	case <-f.block:
		return nil
	case <-ctx.Done():
		return &prover.Error{Kind: prover.ErrTimeout, Err: ctx.Err()}
	}
}

func (f *fakeAdapter) Invoke(ctx context.Context, input string, opts []string) (prover.Output, error) {
	f.spawns.Add(1)
	if err := f.wait(ctx); err != nil {
		return prover.Output{}, err
	}
	s := f.next()
	return s.out, s.err
}

func (f *fakeAdapter) InvokeInteractive(ctx context.Context, input string, opts []string) (prover.Handle, prover.Output, error) {
	f.spawns.Add(1)
	h := &fakeHandle{adapter: f}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return h, prover.Output{}, err
	}
	s := f.next()
	return h, s.out, s.err
}

func (f *fakeAdapter) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

type fakeHandle struct {
	adapter *fakeAdapter
	fed     []int
	closes  atomic.Int32
}

func (h *fakeHandle) Feed(ctx context.Context, id int) (prover.Output, error) {
	h.fed = append(h.fed, id)
	if err := h.adapter.wait(ctx); err != nil {
		return prover.Output{}, err
	}
	s := h.adapter.next()
	return s.out, s.err
}

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}
