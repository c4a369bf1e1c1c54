package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errPeerClosed = errors.New("peer closed")
	errPeerSlow   = errors.New("peer send buffer full")
)

// peer owns the write side of one socket. Every outbound frame, including
// pings and the close frame, goes through writePump so the connection has a
// single writer.
type peer struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	code   int
	reason string

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newPeer(conn *websocket.Conn, buffer int) *peer {
	if buffer <= 0 {
		buffer = 64
	}
	p := &peer{
		conn:    conn,
		send:    make(chan []byte, buffer),
		code:    websocket.CloseNormalClosure,
		reason:  "bye",
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.writePump()
	return p
}

// Deliver queues payload without blocking.
func (p *peer) Deliver(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	select {
	case p.send <- payload:
		return nil
	default:
		return errPeerSlow
	}
}

// Close flushes what is queued, sends a close frame and stops the pump.
func (p *peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}

// closeWith records the close code sent once the pump drains.
func (p *peer) closeWith(code int, reason string) {
	p.mu.Lock()
	if !p.closed {
		p.code, p.reason = code, reason
	}
	p.mu.Unlock()
	_ = p.Close()
}

func (p *peer) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Deliver(payload)
}

func (p *peer) writeError(msg string) {
	_ = p.writeJSON(errorFrame(msg))
}

func (p *peer) writePump() {
	defer close(p.stopped)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.send:
			if err := p.write(msg); err != nil {
				_ = p.conn.Close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctrlTimeout)); err != nil {
				_ = p.conn.Close()
				return
			}
		case <-p.done:
			p.flush()
			return
		}
	}
}

func (p *peer) flush() {
	for {
		select {
		case msg := <-p.send:
			if err := p.write(msg); err != nil {
				_ = p.conn.Close()
				return
			}
		default:
			p.mu.Lock()
			code, reason := p.code, p.reason
			p.mu.Unlock()
			_ = p.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(wsCloseAckWindow),
			)
			// unblock the reader if the client never answers the close
			time.AfterFunc(wsCloseAckWindow, func() { _ = p.conn.Close() })
			return
		}
	}
}

func (p *peer) write(msg []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, msg)
}
