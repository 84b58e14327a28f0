// Package link provides exclusive, line-oriented command transactions over a
// half-duplex serial channel to a dome controller.
package link

import (
	"bytes"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoResponse is returned when nothing was received before the read timeout.
	ErrNoResponse = errors.New("no response")
	// ErrClosed is returned when the guard was closed or the port failed.
	ErrClosed = errors.New("link closed")
	// ErrEmptyCommand is returned for an empty command string.
	ErrEmptyCommand = errors.New("empty command")
)

// Port is the transport underneath a Guard. Closing it must unblock a pending Read.
type Port interface {
	io.ReadWriteCloser
}

// flusher is implemented by ports that can discard their OS buffers (tarm/serial).
type flusher interface {
	Flush() error
}

// Options control transaction timing.
type Options struct {
	// ReadTimeout bounds the whole response read.
	ReadTimeout time.Duration
	// QuietWindow is the silence after a line terminator that ends a response.
	QuietWindow time.Duration
	// FlushAttempts and FlushSettle bound the stale-input discard loop.
	FlushAttempts int
	FlushSettle   time.Duration
}

// DefaultOptions suit a 9600 baud controller.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:   2 * time.Second,
		QuietWindow:   50 * time.Millisecond,
		FlushAttempts: 3,
		FlushSettle:   20 * time.Millisecond,
	}
}

// Guard serializes transactions on a Port. Only one command is in flight at a
// time regardless of the calling goroutine.
type Guard struct {
	port Port
	opts Options

	mu   sync.Mutex // held for the duration of a Lease
	busy atomic.Bool

	in        chan []byte
	readErr   atomic.Value
	closed    chan struct{}
	closeOnce sync.Once
}

// New installs a guard on port and starts draining it in the background.
func New(port Port, opts Options) *Guard {
	def := DefaultOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.QuietWindow <= 0 {
		opts.QuietWindow = def.QuietWindow
	}
	if opts.FlushAttempts <= 0 {
		opts.FlushAttempts = def.FlushAttempts
	}
	g := &Guard{
		port:   port,
		opts:   opts,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	go g.reader()
	return g
}

func (g *Guard) reader() {
	defer close(g.in)
	buf := make([]byte, 256)
	for {
		n, err := g.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case g.in <- chunk:
			case <-g.closed:
				return
			}
		}
		if err != nil {
			select {
			case <-g.closed:
			default:
				log.Printf("link: reading port: %v", err)
			}
			g.readErr.Store(err)
			return
		}
	}
}

// Busy reports whether a transaction currently owns the link.
func (g *Guard) Busy() bool {
	return g.busy.Load()
}

// Close force-closes the port, unblocking any pending read.
func (g *Guard) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.closed)
		err = g.port.Close()
	})
	return err
}

func (g *Guard) isClosed() bool {
	select {
	case <-g.closed:
		return true
	default:
		return false
	}
}

// Lease is exclusive ownership of the link. Release must be called exactly once;
// it restores the not-busy state on every exit path.
type Lease struct {
	g        *Guard
	released bool
}

// Acquire blocks until the link is free and marks it busy.
func (g *Guard) Acquire() (*Lease, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	g.mu.Lock()
	if g.isClosed() {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	g.busy.Store(true)
	return &Lease{g: g}, nil
}

// Release gives up the link.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.g.busy.Store(false)
	l.g.mu.Unlock()
}

// Send acquires the link, runs one transaction and releases it.
func (g *Guard) Send(cmd string, expectResponse bool) (string, error) {
	lease, err := g.Acquire()
	if err != nil {
		return "", err
	}
	defer lease.Release()
	return lease.Transact(cmd, expectResponse)
}

// Transact writes cmd terminated by CR/LF and, if a response is expected, reads
// until a line terminator followed by a quiet window or until the read timeout.
// A timeout with partial data returns that data without error.
func (l *Lease) Transact(cmd string, expectResponse bool) (string, error) {
	if l.released {
		return "", errors.New("transaction on released lease")
	}
	if cmd == "" {
		return "", ErrEmptyCommand
	}
	g := l.g
	if g.isClosed() {
		return "", ErrClosed
	}
	g.flushInput()
	if f, ok := g.port.(flusher); ok {
		if err := f.Flush(); err != nil {
			log.Printf("link: flushing port: %v", err)
		}
	}
	if _, err := g.port.Write([]byte(cmd + "\r\n")); err != nil {
		return "", err
	}
	if !expectResponse {
		return "", nil
	}
	return g.readResponse(cmd)
}

// flushInput discards bytes that arrived outside a transaction.
func (g *Guard) flushInput() {
	for i := 0; i < g.opts.FlushAttempts; i++ {
		var stale []byte
	drain:
		for {
			select {
			case b, ok := <-g.in:
				if !ok {
					break drain
				}
				stale = append(stale, b...)
			default:
				break drain
			}
		}
		if len(stale) == 0 {
			return
		}
		log.Printf("link: discarded %d stale bytes: %q", len(stale), stale)
		time.Sleep(g.opts.FlushSettle)
	}
}

func (g *Guard) readResponse(cmd string) (string, error) {
	deadline := time.NewTimer(g.opts.ReadTimeout)
	defer deadline.Stop()
	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()

	var buf bytes.Buffer
	terminated := false
	for {
		var quietC <-chan time.Time
		if terminated {
			quietC = quiet.C
		}
		select {
		case b, ok := <-g.in:
			if !ok {
				if buf.Len() > 0 {
					return buf.String(), nil
				}
				return "", ErrClosed
			}
			buf.Write(b)
			if bytes.ContainsAny(b, "\r\n") {
				terminated = true
			}
			if terminated {
				if !quiet.Stop() {
					select {
					case <-quiet.C:
					default:
					}
				}
				quiet.Reset(g.opts.QuietWindow)
			}
		case <-quietC:
			return buf.String(), nil
		case <-deadline.C:
			if buf.Len() == 0 {
				return "", ErrNoResponse
			}
			log.Printf("link: partial response to %q: %q", cmd, buf.String())
			return buf.String(), nil
		case <-g.closed:
			return "", ErrClosed
		}
	}
}

// Line strips surrounding line terminators from a raw response, leaving tabs
// and other field separators intact.
func Line(resp string) string {
	resp = strings.TrimLeft(resp, "\r\n")
	if i := strings.IndexAny(resp, "\r\n"); i >= 0 {
		resp = resp[:i]
	}
	return resp
}
