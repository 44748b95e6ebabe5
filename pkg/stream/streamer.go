package stream

import (
	"context"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Defaults for the cursor poll loop.
const (
	defaultPollInterval = 2 * time.Second
	defaultBatchLimit   = 100
)

// Streamer turns the event log into a live feed: it reads forward from a
// cursor and blocks between batches until new rows appear (poll interval) or
// a NOTIFY wakeup arrives.
type Streamer struct {
	store    *eventstore.Store
	listener *Listener

	pollInterval time.Duration
	batchLimit   int
}

// NewStreamer creates a Streamer. listener may be nil (pure polling).
func NewStreamer(store *eventstore.Store, listener *Listener) *Streamer {
	return &Streamer{
		store:        store,
		listener:     listener,
		pollInterval: defaultPollInterval,
		batchLimit:   defaultBatchLimit,
	}
}

// Stream delivers events of (streamType, streamID) with stream_seq > fromSeq
// to fn, in order, until ctx is cancelled or fn returns an error.
// Cancellation is immediate: the loop never blocks past ctx.
func (s *Streamer) Stream(ctx context.Context, streamType models.StreamType, streamID string, fromSeq int64, fn func(*models.Event) error) error {
	var wake <-chan struct{}
	if s.listener != nil {
		w, cancel, err := s.listener.Register(ctx, eventstore.StreamChannel(streamType, streamID))
		if err == nil {
			wake = w
			defer cancel()
		}
		// A failed LISTEN degrades to pure polling.
	}

	cursor := fromSeq
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		events, err := s.store.ReadStream(ctx, streamType, streamID, cursor, s.batchLimit)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := fn(e); err != nil {
				return err
			}
			cursor = e.StreamSeq
		}
		if len(events) == s.batchLimit {
			// More rows may already be waiting; skip the wait.
			continue
		}

		// A nil wake channel blocks forever; the ticker then drives the
		// loop alone.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}
