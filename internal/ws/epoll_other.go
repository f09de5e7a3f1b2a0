//go:build !linux

package ws

import (
	"net"
	"sync"
	"sync/atomic"
)

// Epoll is the portable fallback: one goroutine per connection blocks on
// a one-byte read, hands the connection to Wait, and parks until the
// server has read the frame. The byte is replayed to the server through
// the wrapper returned by Add.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

var nextFd atomic.Int64

// peekConn replays a byte read ahead by the monitor goroutine.
type peekConn struct {
	net.Conn
	fd      int
	mu      sync.Mutex
	pending []byte
	resume  chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()
	return p.Conn.Read(b)
}

func (p *peekConn) hasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0
}

func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn and returns the wrapper the server must read
// from.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	p := &peekConn{
		Conn:   conn,
		fd:     int(nextFd.Add(1)),
		resume: make(chan struct{}, 1),
	}
	e.mu.Lock()
	e.conns[p] = p
	e.mu.Unlock()

	go e.monitor(p)
	return p, nil
}

func (e *Epoll) monitor(p *peekConn) {
	buf := make([]byte, 1)
	for {
		if !p.hasPending() {
			n, err := p.Conn.Read(buf)
			if n > 0 {
				p.mu.Lock()
				p.pending = append(p.pending, buf[:n]...)
				p.mu.Unlock()
			}
			if err != nil && n == 0 {
				// Let the server's read observe the failure.
				select {
				case e.readyCh <- p:
				case <-e.done:
				}
				return
			}
		}

		select {
		case e.readyCh <- p:
		case <-e.done:
			return
		}
		select {
		case <-p.resume:
		case <-e.done:
			return
		}
		if !e.registered(p) {
			return
		}
	}
}

func (e *Epoll) registered(p *peekConn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[p]
	return ok
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	p, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		e.Resume(p)
	}
	return nil
}

// Resume lets the monitor goroutine wait for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	if p, ok := conn.(*peekConn); ok {
		select {
		case p.resume <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until at least one connection is ready and drains any
// others that are.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*peekConn)
	e.mu.Unlock()
	return nil
}

// socketFD returns the synthetic descriptor assigned by Add.
func socketFD(conn net.Conn) int {
	if p, ok := conn.(*peekConn); ok {
		return p.fd
	}
	return -1
}
