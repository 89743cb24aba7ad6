package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// outboundBuffer bounds the per-session send queue. A peer that stops
// draining its connection is disconnected rather than allowed to stall
// room broadcasts behind it.
const outboundBuffer = 64

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithLogger sets the logger used for protocol-level warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session speaks the spindle RPC protocol over one transport. Incoming
// requests run one at a time in arrival order on a dedicated dispatch
// goroutine, mirroring the cooperative single-task model the protocol
// assumes. Replies are routed on the read loop itself, so a handler may
// call the remote end and await the answer without deadlocking its own
// session. All outgoing traffic is funnelled through a single writer
// goroutine, which preserves emission order per session.
type Session struct {
	t   Transport
	d   *Dispatcher
	log *slog.Logger

	out  chan []byte
	done chan struct{}

	// reqSignal wakes the dispatch loop; capacity one is enough because the
	// loop re-checks the queue before sleeping.
	reqSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan json.RawMessage
	reqs    []*frame
	errVal  error
	closed  bool
}

// NewSession starts a session on t, dispatching incoming requests through d.
// A nil dispatcher is replaced with an empty one, which answers every
// request with the unknown-method reply.
func NewSession(t Transport, d *Dispatcher, opts ...Option) *Session {
	if d == nil {
		d = NewDispatcher()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		t:         t,
		d:         d,
		log:       slog.Default(),
		out:       make(chan []byte, outboundBuffer),
		done:      make(chan struct{}),
		reqSignal: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[uint64]chan json.RawMessage),
	}
	for _, o := range opts {
		o(s)
	}
	go s.writeLoop()
	go s.dispatchLoop()
	go s.readLoop()
	return s
}

// Call sends a request and blocks until the reply, ctx cancellation, or
// session shutdown. The returned raw JSON is the remote handler's reply
// payload, which may itself be an {error:true, message} object.
func (s *Session) Call(ctx context.Context, name string, params any) (json.RawMessage, error) {
	if name == "" {
		return nil, errors.New("rpc: empty method name")
	}
	data, id, err := s.encodeRequest(name, params, true)
	if err != nil {
		return nil, err
	}
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.mu.Lock()
	ch := s.pending[id]
	s.mu.Unlock()

	if err := s.send(data); err != nil {
		return nil, err
	}

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	}
}

// Notify sends a request whose reply nobody awaits (the remote end still
// replies; the reply is dropped on arrival). Notify never blocks on a full
// send queue: a session that cannot absorb another message is closed as a
// slow consumer.
func (s *Session) Notify(name string, params any) error {
	if name == "" {
		return errors.New("rpc: empty method name")
	}
	data, _, err := s.encodeRequest(name, params, false)
	if err != nil {
		return err
	}

	select {
	case s.out <- data:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
		s.setErr(errors.New("rpc: outbound queue overflow"))
		s.log.Warn("rpc: closing slow consumer", "queued", len(s.out))
		_ = s.Close("slow consumer")
		return ErrSessionClosed
	}
}

// encodeRequest allocates an id, optionally registers a pending reply slot,
// and marshals the request frame.
func (s *Session) encodeRequest(name string, params any, wantReply bool) ([]byte, uint64, error) {
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, 0, fmt.Errorf("rpc: encode params: %w", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, 0, ErrSessionClosed
	}
	s.nextID++
	id := s.nextID
	if wantReply {
		s.pending[id] = make(chan json.RawMessage, 1)
	}
	s.mu.Unlock()

	data, err := json.Marshal(frame{ID: id, Name: name, Params: raw})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, 0, fmt.Errorf("rpc: encode request: %w", err)
	}
	return data, id, nil
}

// send enqueues one outbound frame, blocking until there is queue space or
// the session shuts down.
func (s *Session) send(data []byte) error {
	select {
	case s.out <- data:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.out:
			if err := s.t.WriteMessage(s.ctx, data); err != nil {
				if s.ctx.Err() == nil {
					s.setErr(err)
					_ = s.Close("write failed")
				}
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// readLoop owns the done channel: it closes it when the session is fully
// torn down, making Done() the safe point to run disconnect cleanup.
func (s *Session) readLoop() {
	defer close(s.done)
	defer func() { _ = s.Close("") }()

	for {
		data, err := s.t.ReadMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("rpc: dropping malformed frame", "err", err)
			continue
		}

		if f.isReply() {
			s.deliverReply(&f)
			continue
		}
		s.enqueueRequest(&f)
	}
}

// enqueueRequest appends f to the dispatch queue. The queue is unbounded:
// the read loop must never block on it, or reply routing would stall while
// a handler awaits its own outbound call.
func (s *Session) enqueueRequest(f *frame) {
	s.mu.Lock()
	s.reqs = append(s.reqs, f)
	s.mu.Unlock()

	select {
	case s.reqSignal <- struct{}{}:
	default:
	}
}

func (s *Session) dispatchLoop() {
	for {
		f, ok := s.nextRequest()
		if !ok {
			return
		}
		s.serve(f)
	}
}

func (s *Session) nextRequest() (*frame, bool) {
	for {
		s.mu.Lock()
		if len(s.reqs) > 0 {
			f := s.reqs[0]
			s.reqs = s.reqs[1:]
			s.mu.Unlock()
			return f, true
		}
		s.reqs = nil
		s.mu.Unlock()

		select {
		case <-s.reqSignal:
		case <-s.ctx.Done():
			return nil, false
		}
	}
}

func (s *Session) deliverReply(f *frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	delete(s.pending, f.ID)
	s.mu.Unlock()

	if !ok {
		// Reply to a notification, or to a call that gave up waiting.
		return
	}
	result := f.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	ch <- result
}

func (s *Session) serve(f *frame) {
	result := s.d.Dispatch(s.ctx, f.Name, f.Params)

	raw, err := json.Marshal(result)
	if err != nil {
		s.log.Error("rpc: encoding reply failed", "name", f.Name, "err", err)
		raw = json.RawMessage(`{"error":true,"message":"internal error"}`)
	}
	data, err := json.Marshal(response{ID: f.ID, Result: raw})
	if err != nil {
		return
	}
	_ = s.send(data)
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Err returns the first error that caused the session to terminate, or nil
// after a clean Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Done is closed once the read loop has exited and no further messages will
// be delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down with a human-readable reason. In-flight
// calls fail with [ErrSessionClosed]. Idempotent.
func (s *Session) Close(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.t.Close(reason)
}
