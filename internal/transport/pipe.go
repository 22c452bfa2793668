package transport

import (
	"errors"
	"sync"
)

// ErrPipeClosed is returned by Send on a closed pipe endpoint.
var ErrPipeClosed = errors.New("pipe transport closed")

// Pipe returns two connected in-memory endpoints. Frames written to one
// side arrive on the other side's Recv channel in order. Both the engine's
// tests and the provisional-overlay tests script the remote side of a pipe.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{recv: make(chan []byte, 256), done: make(chan struct{})}
	b := &PipeEnd{recv: make(chan []byte, 256), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// PipeEnd is one side of an in-memory transport pair.
type PipeEnd struct {
	peer *PipeEnd
	recv chan []byte
	done chan struct{}

	// sendMu serializes deliveries so recv is never closed under an
	// in-flight send.
	sendMu sync.Mutex

	mu     sync.Mutex
	closed bool
	err    error
}

func (p *PipeEnd) Send(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPipeClosed
	}
	// Copy so callers may reuse their buffer.
	frame := make([]byte, len(data))
	copy(frame, data)
	return p.peer.deliver(frame)
}

// deliver blocks when the buffer is full, but a close of either side
// unblocks it instead of deadlocking behind the channel send.
func (p *PipeEnd) deliver(frame []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	select {
	case <-p.done:
		return ErrPipeClosed
	default:
	}
	select {
	case p.recv <- frame:
		return nil
	case <-p.done:
		return ErrPipeClosed
	}
}

func (p *PipeEnd) Recv() <-chan []byte { return p.recv }

func (p *PipeEnd) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// shutdown marks the endpoint closed with reason and ends its recv
// stream, waiting out any delivery in flight. Idempotent.
func (p *PipeEnd) shutdown(reason error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.err = reason
	close(p.done)
	p.mu.Unlock()

	p.sendMu.Lock()
	close(p.recv)
	p.sendMu.Unlock()
}

// CloseWithError shuts down this endpoint and severs the peer with the
// given reason, simulating a lost connection when reason is non-nil.
func (p *PipeEnd) CloseWithError(reason error) error {
	p.shutdown(nil)
	p.peer.shutdown(reason)
	return nil
}

func (p *PipeEnd) Close() error { return p.CloseWithError(nil) }
