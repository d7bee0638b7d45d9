package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// PipeTransport implements the duplex-socket Transport over a plain
// io.Reader/io.Writer pair, framing each message as one newline-delimited
// JSON line. It serves stdin/stdout child processes and in-process pipes; the
// keepalive and reconnection machinery of the network transports does not
// apply here.
//
// Instances should be created using NewPipeTransport.
type PipeTransport struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger
	hub    *eventHub

	authTimeout       time.Duration
	compressThreshold int

	writes chan pipeWrite

	mu         sync.Mutex
	connected  bool
	done       chan struct{}
	authWaiter chan error
}

// PipeTransportOption represents the options for the PipeTransport.
type PipeTransportOption func(*PipeTransport)

type pipeWrite struct {
	data []byte
	errs chan error
}

// NewPipeTransport creates a duplex transport over the given reader/writer
// pair.
func NewPipeTransport(reader io.Reader, writer io.Writer, options ...PipeTransportOption) *PipeTransport {
	t := &PipeTransport{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
		hub:    newEventHub(),
		writes: make(chan pipeWrite),
	}
	for _, opt := range options {
		opt(t)
	}

	if t.authTimeout == 0 {
		t.authTimeout = defaultWSAuthTimeout
	}

	return t
}

// WithPipeLogger sets the logger for the transport.
func WithPipeLogger(logger *slog.Logger) PipeTransportOption {
	return func(t *PipeTransport) {
		t.logger = logger
	}
}

// WithPipeAuthTimeout sets the deadline for the in-band authentication
// exchange.
func WithPipeAuthTimeout(timeout time.Duration) PipeTransportOption {
	return func(t *PipeTransport) {
		t.authTimeout = timeout
	}
}

// WithPipeCompressThreshold sets the payload size above which the explicit
// compression envelope is applied.
func WithPipeCompressThreshold(threshold int) PipeTransportOption {
	return func(t *PipeTransport) {
		t.compressThreshold = threshold
	}
}

// Connect starts the read and write loops. The pair is assumed open already.
func (t *PipeTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.writeLoop(done)
	go t.readLoop(done)

	t.hub.emit(EventConnected{})
	return nil
}

// Disconnect stops the loops. Calling it on an already-closed transport is a
// no-op. The underlying reader/writer are owned by the caller and stay open.
func (t *PipeTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	close(t.done)
	waiter := t.authWaiter
	t.authWaiter = nil
	t.mu.Unlock()

	if waiter != nil {
		waiter <- ErrConnectionClosed
	}
	t.hub.emit(EventDisconnected{Reason: "disconnected"})
	return nil
}

// Send transmits one message as a single line.
func (t *PipeTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	data, err := encodeWireMessage(msg, t.compressThreshold)
	if err != nil {
		return err
	}
	return t.enqueueWrite(ctx, data)
}

// Authenticate performs the in-band authentication exchange and waits for the
// peer's verdict.
func (t *PipeTransport) Authenticate(ctx context.Context, creds Credentials) error {
	waiter := make(chan error, 1)

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.authWaiter != nil {
		t.mu.Unlock()
		return errors.New("authentication already in progress")
	}
	t.authWaiter = waiter
	t.mu.Unlock()

	data, err := encodeControlMessage(controlMessage{
		Type:     controlAuthenticate,
		AuthType: creds.AuthType,
		Token:    creds.Token,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		t.clearAuthWaiter(waiter)
		return err
	}
	if err := t.enqueueWrite(ctx, data); err != nil {
		t.clearAuthWaiter(waiter)
		return err
	}

	timer := time.NewTimer(t.authTimeout)
	defer timer.Stop()

	select {
	case err := <-waiter:
		return err
	case <-timer.C:
		t.clearAuthWaiter(waiter)
		return fmt.Errorf("%w: authenticate", ErrTimeout)
	case <-ctx.Done():
		t.clearAuthWaiter(waiter)
		return ctx.Err()
	}
}

// Subscribe registers a new transport event listener.
func (t *PipeTransport) Subscribe() (<-chan TransportEvent, func()) {
	return t.hub.subscribe()
}

func (t *PipeTransport) enqueueWrite(ctx context.Context, data []byte) error {
	w := pipeWrite{
		data: append(data, '\n'),
		errs: make(chan error, 1),
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	done := t.done
	t.mu.Unlock()

	select {
	case t.writes <- w:
	case <-done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-w.errs:
		return err
	case <-done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop serializes writes so concurrent senders cannot interleave lines.
func (t *PipeTransport) writeLoop(done chan struct{}) {
	for {
		var w pipeWrite
		select {
		case <-done:
			return
		case w = <-t.writes:
		}

		_, err := t.writer.Write(w.data)
		w.errs <- err
	}
}

func (t *PipeTransport) readLoop(done chan struct{}) {
	for line := range readLines(t.reader, done, t.logger) {
		wm, err := decodeWireMessage([]byte(line))
		if err != nil {
			// A malformed line must not terminate the loop.
			t.logger.Error("failed to decode message", "err", err)
			t.hub.emit(EventError{Err: err})
			continue
		}

		switch wm.kind {
		case wireControl:
			t.handleControl(wm.ctl)
		case wireResponse:
			t.hub.emit(EventResponse{Msg: wm.msg})
		case wireNotification:
			t.hub.emit(EventNotification{Msg: wm.msg})
		case wireRequest:
			t.logger.Warn("unexpected request message", "method", wm.msg.Method)
		}
	}
}

func (t *PipeTransport) handleControl(ctl controlMessage) {
	switch ctl.Type {
	case controlPing:
		data, err := encodeControlMessage(controlMessage{Type: controlPong})
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := t.enqueueWrite(ctx, data); err != nil {
			t.logger.Warn("failed to send pong", "err", err)
		}
	case controlPong:
	case controlAuthRequired:
		t.hub.emit(EventAuthRequired{Types: ctl.AuthTypes})
	case controlAuthSuccess:
		t.settleAuth(nil)
		t.hub.emit(EventAuthSuccess{})
	case controlAuthFailure:
		err := fmt.Errorf("%w: %s", ErrAuthFailed, ctl.Message)
		t.settleAuth(err)
		t.hub.emit(EventAuthFailure{Err: err})
	default:
		t.logger.Warn("unhandled control message", "type", ctl.Type)
	}
}

func (t *PipeTransport) settleAuth(err error) {
	t.mu.Lock()
	waiter := t.authWaiter
	t.authWaiter = nil
	t.mu.Unlock()

	if waiter != nil {
		waiter <- err
	}
}

func (t *PipeTransport) clearAuthWaiter(waiter chan error) {
	t.mu.Lock()
	if t.authWaiter == waiter {
		t.authWaiter = nil
	}
	t.mu.Unlock()
}

// PipeAcceptor accepts exactly one peer session over an io.Reader/io.Writer
// pair, mirroring PipeTransport from the acceptor side.
//
// Instances should be created using NewPipeAcceptor.
type PipeAcceptor struct {
	sess   *pipeServerSession
	done   chan struct{}
	closed chan struct{}
}

type pipeServerSession struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMu  sync.Mutex
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPipeAcceptor creates an acceptor over the given reader/writer pair.
func NewPipeAcceptor(reader io.Reader, writer io.Writer) *PipeAcceptor {
	return &PipeAcceptor{
		sess: &pipeServerSession{
			reader:  reader,
			writer:  writer,
			logger:  slog.Default(),
			stopped: make(chan struct{}),
		},
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Sessions yields the single pipe session and blocks until it is stopped.
func (a *PipeAcceptor) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(a.closed)

		if !yield(a.sess) {
			return
		}
		select {
		case <-a.sess.stopped:
		case <-a.done:
		}
	}
}

// Shutdown gracefully shuts down the acceptor.
func (a *PipeAcceptor) Shutdown(ctx context.Context) error {
	close(a.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close pipe acceptor: %w", ctx.Err())
	case <-a.closed:
	}
	return nil
}

func (s *pipeServerSession) Send(_ context.Context, data []byte) error {
	select {
	case <-s.stopped:
		return ErrConnectionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	return nil
}

func (s *pipeServerSession) Messages() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for line := range readLines(s.reader, s.stopped, s.logger) {
			if !yield([]byte(line)) {
				return
			}
		}
	}
}

// Authenticated always reports false: the pipe handshake carries no
// credential, authentication happens in-band.
func (s *pipeServerSession) Authenticated() bool {
	return false
}

func (s *pipeServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}

// readLines yields non-empty lines from r until EOF, a read failure, or done.
// A bufio.Reader is used instead of a bufio.Scanner to avoid max token size
// errors on large payloads.
func readLines(r io.Reader, done <-chan struct{}, logger *slog.Logger) iter.Seq[string] {
	return func(yield func(string) bool) {
		reader := bufio.NewReader(r)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// Read on a goroutine so a slow reader cannot block shutdown.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
			}()

			var lwe lineWithErr
			select {
			case <-done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					logger.Error("failed to read line", "err", lwe.err)
				}
				return
			}
			if lwe.line == "" {
				continue
			}
			if !yield(lwe.line) {
				return
			}
		}
	}
}
