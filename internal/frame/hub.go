// Package frame models the host's per-frame notification source.
//
// Hub holds frame callbacks and fires them once per frame; Pacer decides when
// the next frame is due. Both belong to the UI goroutine except where noted.
package frame

import (
	"errors"
	"sync/atomic"

	"treebuild/internal/buildtree"
)

var ErrClosed = errors.New("frame: hub closed")

// Hub is a per-frame callback registry. It is not safe for concurrent use,
// apart from Len, Frames and Active which only read atomics.
type Hub struct {
	subs   []*Token
	seq    uint64
	closed bool

	live   atomic.Int64
	frames atomic.Uint64
}

var _ buildtree.FrameSource = (*Hub)(nil)

// Token identifies one subscription.
type Token struct {
	hub  *Hub
	id   uint64
	cb   func()
	dead bool
}

func NewHub() *Hub { return &Hub{} }

// Subscribe adds cb to the set fired on every frame.
func (h *Hub) Subscribe(cb func()) (buildtree.Subscription, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if cb == nil {
		return nil, errors.New("frame: nil callback")
	}
	h.seq++
	t := &Token{hub: h, id: h.seq, cb: cb}
	h.subs = append(h.subs, t)
	h.live.Add(1)
	return t, nil
}

// ID returns the token's sequence number; never 0 for a live token.
func (t *Token) ID() uint64 { return t.id }

// Unsubscribe is idempotent.
func (t *Token) Unsubscribe() {
	if t == nil || t.dead {
		return
	}
	t.dead = true
	t.hub.live.Add(-1)
	t.hub.compact()
}

// Fire delivers one frame to the callbacks subscribed when Fire began,
// in subscription order. Callbacks may subscribe or unsubscribe; a callback
// unsubscribed during this frame is not called afterwards.
func (h *Hub) Fire() {
	if h.closed {
		return
	}
	h.frames.Add(1)
	snap := append([]*Token(nil), h.subs...)
	for _, t := range snap {
		if t.dead {
			continue
		}
		t.cb()
	}
}

// Active reports whether any callback is subscribed.
func (h *Hub) Active() bool { return h.live.Load() > 0 }

func (h *Hub) Len() int { return int(h.live.Load()) }

// Frames counts Fire calls.
func (h *Hub) Frames() uint64 { return h.frames.Load() }

// Close drops every subscription; later Subscribe calls fail.
func (h *Hub) Close() {
	for _, t := range h.subs {
		if !t.dead {
			t.dead = true
			h.live.Add(-1)
		}
	}
	h.subs = nil
	h.closed = true
}

func (h *Hub) compact() {
	n := 0
	for _, t := range h.subs {
		if t.dead {
			continue
		}
		h.subs[n] = t
		n++
	}
	for i := n; i < len(h.subs); i++ {
		h.subs[i] = nil
	}
	h.subs = h.subs[:n]
}
