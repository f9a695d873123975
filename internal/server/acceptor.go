package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voip-relay-service/internal/metrics"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// acceptor owns one TCP listener and the connections it accepted.
type acceptor struct {
	name    string
	address string
	logger  *slog.Logger
	metrics *metrics.Metrics

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	accepted     atomic.Uint64
	acceptErrors atomic.Uint64
}

func newAcceptor(name, address string, logger *slog.Logger, m *metrics.Metrics) *acceptor {
	ctx, cancel := context.WithCancel(context.Background())

	return &acceptor{
		name:    name,
		address: address,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// listen binds the listening socket with address reuse enabled.
func (a *acceptor) listen() error {
	lc := net.ListenConfig{Control: reuseAddrControl}

	listener, err := lc.Listen(a.ctx, "tcp", a.address)
	if err != nil {
		return fmt.Errorf("failed to listen for %s on %s: %w", a.name, a.address, err)
	}

	a.listener = listener
	return nil
}

// serve runs the accept loop in the background, calling handle in its own
// goroutine for every accepted connection. The connection is closed when
// handle returns.
func (a *acceptor) serve(handle func(conn net.Conn)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.acceptLoop(handle)
	}()
}

func (a *acceptor) acceptLoop(handle func(conn net.Conn)) {
	backoff := time.Duration(0)

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				a.logger.Debug("Accept loop stopping", slog.String("listener", a.name))
				return
			}

			a.acceptErrors.Add(1)
			a.metrics.RecordAcceptError(a.name)

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}

			a.logger.Error("Failed to accept connection",
				slog.String("listener", a.name),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)

			select {
			case <-a.ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if !a.track(conn) {
			conn.Close()
			return
		}
		a.accepted.Add(1)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.untrack(conn)
			handle(conn)
		}()
	}
}

func (a *acceptor) track(conn net.Conn) bool {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if a.ctx.Err() != nil {
		return false
	}
	a.conns[conn] = struct{}{}
	return true
}

func (a *acceptor) untrack(conn net.Conn) {
	a.connMu.Lock()
	delete(a.conns, conn)
	a.connMu.Unlock()

	conn.Close()
}

// stop closes the listener and all open connections, then waits for the
// accept loop and every handler to return.
func (a *acceptor) stop() {
	a.cancel()

	if a.listener != nil {
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			a.logger.Warn("Error closing listener",
				slog.String("listener", a.name),
				slog.String("error", err.Error()),
			)
		}
	}

	a.connMu.Lock()
	for conn := range a.conns {
		conn.Close()
	}
	a.connMu.Unlock()

	a.wg.Wait()
}

// addr returns the bound address, or nil before listen.
func (a *acceptor) addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// stopping reports whether stop has been called.
func (a *acceptor) stopping() bool {
	return a.ctx.Err() != nil
}

// openConnections returns the number of tracked connections.
func (a *acceptor) openConnections() int {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return len(a.conns)
}

// setIdleDeadline arms the read deadline for one blocking read, or clears it
// when timeout is zero.
func setIdleDeadline(conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return conn.SetReadDeadline(time.Time{})
	}
	return conn.SetReadDeadline(time.Now().Add(timeout))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
