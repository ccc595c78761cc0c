package capability

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("capability queue full")
	ErrStopped   = errors.New("capability sink stopped")
)

// DefaultQueueSize is the number of pending writes a sink accepts.
const DefaultQueueSize = 256

// Persister stores capability values.
type Persister interface {
	SetCapability(ieee string, name string, value any, at time.Time) error
}

// Update is a capability value that has been persisted.
type Update struct {
	IEEE  string    `json:"ieee_address"`
	Name  Name      `json:"capability"`
	Value any       `json:"value"`
	Time  time.Time `json:"time"`
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithQueueSize sets the write queue capacity.
func WithQueueSize(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithOnWritten registers a callback run on the writer goroutine after each
// successful write.
func WithOnWritten(fn func(Update)) SinkOption {
	return func(s *Sink) { s.onWritten = fn }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) SinkOption {
	return func(s *Sink) { s.now = now }
}

type writeReq struct {
	update Update
	done   chan error
}

// Sink accepts capability writes without blocking the caller and applies
// them in FIFO order on a single goroutine.
type Sink struct {
	persist   Persister
	logger    *slog.Logger
	onWritten func(Update)
	now       func() time.Time
	queueSize int

	mu        sync.RWMutex
	queue     chan writeReq
	stopped   bool
	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewSink creates a sink. Call Start before writing.
func NewSink(persist Persister, logger *slog.Logger, opts ...SinkOption) *Sink {
	s := &Sink{
		persist:   persist,
		logger:    logger.With("component", "capability"),
		now:       time.Now,
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan writeReq, s.queueSize)
	return s
}

// Start launches the writer goroutine. Later calls do nothing.
func (s *Sink) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for req := range s.queue {
				req.done <- s.apply(req.update)
				close(req.done)
			}
		}()
	})
}

// Stop rejects new writes, drains the queue and waits for the writer.
func (s *Sink) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

// Write queues a capability value. The returned channel receives exactly one
// result and is then closed.
func (s *Sink) Write(ieee string, name Name, value any) <-chan error {
	done := make(chan error, 1)
	if err := Validate(name, value); err != nil {
		done <- err
		close(done)
		return done
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		done <- ErrStopped
		close(done)
		return done
	}
	req := writeReq{
		update: Update{IEEE: ieee, Name: name, Value: value, Time: s.now()},
		done:   done,
	}
	select {
	case s.queue <- req:
	default:
		done <- fmt.Errorf("%w: %s", ErrQueueFull, name)
		close(done)
	}
	return done
}

func (s *Sink) apply(u Update) error {
	if err := s.persist.SetCapability(u.IEEE, string(u.Name), u.Value, u.Time); err != nil {
		return fmt.Errorf("persist %s: %w", u.Name, err)
	}
	s.logger.Debug("capability updated", "ieee", u.IEEE, "capability", u.Name, "value", u.Value)
	if s.onWritten != nil {
		s.onWritten(u)
	}
	return nil
}
