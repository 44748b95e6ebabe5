package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// sseHeartbeatInterval is how often a comment frame keeps idle connections
// alive through proxies.
const sseHeartbeatInterval = 15 * time.Second

// ServeSSE streams events of one stream over server-sent events: each event
// is a single `data:` frame (id = stream_seq), with periodic `:heartbeat`
// comments. The loop ends when the client disconnects.
//
// The cursor reader runs in its own goroutine and hands events to the single
// writer loop — http.ResponseWriter is not safe for concurrent writes.
func (s *Streamer) ServeSSE(ctx context.Context, w http.ResponseWriter, streamType models.StreamType, streamID string, fromSeq int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()

	eventCh := make(chan *models.Event)
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.Stream(readCtx, streamType, streamID, fromSeq, func(e *models.Event) error {
			select {
			case eventCh <- e:
				return nil
			case <-readCtx.Done():
				return readCtx.Err()
			}
		})
	}()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnect is the normal exit.
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return err

		case e := <-eventCh:
			frame, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal event frame: %w", err)
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", e.StreamSeq, frame); err != nil {
				return nil
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
