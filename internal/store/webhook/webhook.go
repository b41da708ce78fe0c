// Package webhook ships event batches to an external HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/branchbox/branchbox/pkg/types"
)

type Config struct {
	URL           string
	Headers       map[string]string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
}

type Store struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	buf       []types.Event
	lastFlush time.Time
	closed    bool
}

func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	cfg.Headers = headers
	return &Store{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		lastFlush: time.Now().UTC(),
	}, nil
}

// AppendEvent buffers the event, shipping the whole buffer once it reaches
// the batch size or the flush interval has passed.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	var toFlush []types.Event

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	s.buf = append(s.buf, ev)
	now := time.Now().UTC()
	if len(s.buf) >= s.cfg.BatchSize || now.Sub(s.lastFlush) >= s.cfg.FlushInterval {
		toFlush = append([]types.Event(nil), s.buf...)
		s.buf = nil
		s.lastFlush = now
	}
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	return s.ship(ctx, toFlush)
}

func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("webhook store does not support queries")
}

// Flush ships any buffered events immediately.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	toFlush := s.buf
	s.buf = nil
	s.lastFlush = time.Now().UTC()
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	return s.ship(ctx, toFlush)
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	toFlush := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	return s.ship(ctx, toFlush)
}

func (s *Store) ship(ctx context.Context, batch []types.Event) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
