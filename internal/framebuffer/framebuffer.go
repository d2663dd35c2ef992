// Package framebuffer is the single-slot holder of the most recently
// annotated frame.
package framebuffer

import (
	"context"
	"sync"

	"github.com/FatihaELHABTI/DevOps-MlOps-Projet10-ELHABTI-ZAIDI/pkg/types"
)

// Buffer has one writer (the active processing loop) and any number of
// readers. Frames are copied in on Publish and copied out on Snapshot, so no
// caller ever shares pixel memory with another.
type Buffer struct {
	mu      sync.RWMutex
	frame   *types.Frame
	version uint64
	notify  chan struct{}
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{notify: make(chan struct{})}
}

// Publish replaces the held frame with a copy of f and wakes waiters.
// It returns the new version.
func (b *Buffer) Publish(f *types.Frame) uint64 {
	clone := f.Clone()

	b.mu.Lock()
	b.frame = clone
	b.version++
	v := b.version
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()

	return v
}

// Snapshot returns a copy of the latest frame and its version.
// ok is false until the first Publish.
func (b *Buffer) Snapshot() (frame *types.Frame, version uint64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.frame == nil {
		return nil, 0, false
	}
	return b.frame.Clone(), b.version, true
}

// Version returns the number of frames published so far.
func (b *Buffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Wait blocks until a frame newer than after is published or ctx ends.
func (b *Buffer) Wait(ctx context.Context, after uint64) (uint64, error) {
	for {
		b.mu.RLock()
		v, ch := b.version, b.notify
		b.mu.RUnlock()

		if v > after {
			return v, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}
