// Package stream implements the live fanout: a cursor reader over the event
// log delivered over SSE and WebSocket, woken by Postgres NOTIFY and backed
// by polling for correctness.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// notifyPollSlice bounds how long the receive loop blocks in
// WaitForNotification before checking for pending LISTEN/UNLISTEN commands
// and shutdown.
const notifyPollSlice = 250 * time.Millisecond

// listenCmd is a LISTEN/UNLISTEN executed by the receive loop, which is the
// sole goroutine that touches the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// Listener holds a dedicated Postgres connection for LISTEN and wakes
// registered waiters when a NOTIFY arrives on their channel. Waiters treat
// wakeups purely as latency hints — the cursor poll remains the correctness
// path.
type Listener struct {
	connString string
	conn       *pgx.Conn
	running    atomic.Bool

	cmdCh chan listenCmd

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a Listener.
func NewListener(connString string) *Listener {
	return &Listener{
		connString: connString,
		cmdCh:      make(chan listenCmd, 16),
		waiters:    make(map[string]map[chan struct{}]bool),
	}
}

// Start establishes the dedicated connection and begins receiving.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	l.conn = conn
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Stream listener started")
	return nil
}

// Stop shuts down the receive loop and closes the connection.
func (l *Listener) Stop(ctx context.Context) {
	if !l.running.Swap(false) {
		return
	}
	l.cancelLoop()
	<-l.loopDone
	if err := l.conn.Close(ctx); err != nil {
		slog.Warn("Failed to close LISTEN connection", "error", err)
	}
}

// Register adds a wakeup channel for a NOTIFY channel, issuing LISTEN when
// it is the first waiter. The returned cancel removes the waiter and issues
// UNLISTEN when it was the last.
func (l *Listener) Register(ctx context.Context, channel string) (<-chan struct{}, func(), error) {
	wake := make(chan struct{}, 1)

	l.mu.Lock()
	first := len(l.waiters[channel]) == 0
	if l.waiters[channel] == nil {
		l.waiters[channel] = make(map[chan struct{}]bool)
	}
	l.waiters[channel][wake] = true
	l.mu.Unlock()

	if first && l.running.Load() {
		if err := l.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			l.removeWaiter(channel, wake)
			return nil, nil, fmt.Errorf("LISTEN on channel %s: %w", channel, err)
		}
	}

	cancel := func() {
		last := l.removeWaiter(channel, wake)
		if last && l.running.Load() {
			if err := l.exec(context.Background(), "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
				slog.Warn("Failed to UNLISTEN channel", "channel", channel, "error", err)
			}
		}
	}
	return wake, cancel, nil
}

func (l *Listener) removeWaiter(channel string, wake chan struct{}) (last bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.waiters[channel]; ok {
		delete(set, wake)
		if len(set) == 0 {
			delete(l.waiters, channel)
			return true
		}
	}
	return false
}

// exec routes a LISTEN/UNLISTEN through the receive loop to avoid concurrent
// use of the pgx connection.
func (l *Listener) exec(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop alternates between executing pending commands and waiting for
// notifications in short slices.
func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.drainCmds(ctx)
			return
		case cmd := <-l.cmdCh:
			_, err := l.conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, notifyPollSlice)
		notification, err := l.conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				l.drainCmds(ctx)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Warn("NOTIFY wait failed", "error", err)
			continue
		}
		l.wake(notification.Channel)
	}
}

// drainCmds fails any queued commands so callers don't block on shutdown.
func (l *Listener) drainCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			cmd.result <- ctx.Err()
		default:
			return
		}
	}
}

// wake signals every waiter on a channel without blocking.
func (l *Listener) wake(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for w := range l.waiters[channel] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}
