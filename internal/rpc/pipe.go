package rpc

import (
	"context"
	"io"
	"sync"
)

// pipeBuffer matches the session's outbound buffer so a pipe behaves like a
// healthy socket under test load.
const pipeBuffer = 64

// Pipe returns two connected in-memory transports, in the manner of
// net.Pipe: messages written on one end arrive on the other in order.
// Closing either end tears both down, like a dropped connection. It backs
// the test suites and in-process clients.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeTransport{in: ba, out: ab, done: done, once: once},
		&pipeTransport{in: ab, out: ba, done: done, once: once}
}

type pipeTransport struct {
	in, out chan []byte
	done    chan struct{}
	once    *sync.Once
}

var _ Transport = (*pipeTransport)(nil)

func (p *pipeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	// Messages that were in flight before the close are still delivered, so
	// teardown is not racy for readers.
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Close(string) error {
	p.once.Do(func() { close(p.done) })
	return nil
}
