// Package registrytest provides an in-memory Peer for tests.
package registrytest

import (
	"encoding/json"
	"errors"
	"sync"
)

var ErrBroken = errors.New("peer broken")

// Peer records every delivered frame.
type Peer struct {
	mu     sync.Mutex
	frames [][]byte
	broken bool
	closed bool
}

func NewPeer() *Peer { return &Peer{} }

func (p *Peer) Deliver(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken || p.closed {
		return ErrBroken
	}
	p.frames = append(p.frames, append([]byte(nil), payload...))
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Break makes every later Deliver fail.
func (p *Peer) Break() {
	p.mu.Lock()
	p.broken = true
	p.mu.Unlock()
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Frames returns a copy of what was delivered so far.
func (p *Peer) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

// Types returns the "type" field of every frame in order.
func (p *Peer) Types() []string {
	var out []string
	for _, f := range p.Frames() {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

// CountType counts frames of one type.
func (p *Peer) CountType(t string) int {
	n := 0
	for _, got := range p.Types() {
		if got == t {
			n++
		}
	}
	return n
}

// Last decodes the most recent frame of type t into v and reports whether one existed.
func (p *Peer) Last(t string, v any) bool {
	frames := p.Frames()
	types := p.Types()
	for i := len(types) - 1; i >= 0; i-- {
		if types[i] == t {
			return json.Unmarshal(frames[i], v) == nil
		}
	}
	return false
}
