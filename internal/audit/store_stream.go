package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// StreamStore writes events as JSON lines to an io.Writer.
type StreamStore struct {
	mu     sync.Mutex
	writer io.Writer
	closer io.Closer
	closed bool
}

var _ Store = (*StreamStore)(nil)

// NewStreamStore creates a store writing to w. w is not closed by Close.
func NewStreamStore(w io.Writer) *StreamStore {
	return &StreamStore{writer: w}
}

// OpenStreamStore creates a store for output, which is "stdout",
// "stderr", or a file path opened for appending.
func OpenStreamStore(output string) (*StreamStore, error) {
	switch output {
	case "", "stdout":
		return NewStreamStore(os.Stdout), nil
	case "stderr":
		return NewStreamStore(os.Stderr), nil
	default:
		// Path comes from trusted configuration.
		//nolint:gosec // G304: path from config is trusted
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return &StreamStore{writer: file, closer: file}, nil
	}
}

// Append encodes the batch and writes it with a single Write call so a
// batch is never interleaved with another writer's output.
func (s *StreamStore) Append(ctx context.Context, events []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("failed to encode audit event %s: %w", events[i].ID, err)
		}
	}

	if _, err := s.writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write audit events: %w", err)
	}
	return nil
}

// Close closes the underlying file, if the store opened one.
func (s *StreamStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
