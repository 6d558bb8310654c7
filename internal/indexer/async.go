// Package indexer updates search indexes in the background so writes can
// return before their vectors are computed.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HandlerFunc processes a batch of tasks of one type. A returned error
// fails the whole batch.
type HandlerFunc func(ctx context.Context, tasks []Task) error

// Config controls batching and retries.
type Config struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
	MaxWorkers    int           `yaml:"max_workers"`
	MaxRetries    int           `yaml:"max_retries"` // negative disables retries

	Logger zerolog.Logger `yaml:"-"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		MaxQueueSize:  10000,
		MaxWorkers:    4,
		MaxRetries:    3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = d.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	return c
}

// Stats is a point-in-time view of the indexer.
type Stats struct {
	Running        bool     `json:"running"`
	QueueSize      int      `json:"queue_size"`
	BufferSize     int      `json:"buffer_size"`
	TotalProcessed int64    `json:"total_processed"`
	TotalBatches   int64    `json:"total_batches"`
	TotalErrors    int64    `json:"total_errors"`
	TotalDropped   int64    `json:"total_dropped"`
	Handlers       []string `json:"handlers"`
}

// AsyncIndexer buffers tasks from a priority queue and hands them to the
// registered handler for their type in batches. A batch is flushed when the
// buffer reaches BatchSize or every FlushInterval.
type AsyncIndexer struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	queue    priorityQueue
	buffer   []*Task
	handlers map[string]HandlerFunc
	running  bool
	stopped  bool

	wake     chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int64

	// OnBatchComplete is called after a handler succeeds.
	OnBatchComplete func(taskType string, n int)
	// OnError is called after a handler fails, before retries are queued.
	OnError func(taskType string, tasks []Task, err error)

	totalProcessed atomic.Int64
	totalBatches   atomic.Int64
	totalErrors    atomic.Int64
	totalDropped   atomic.Int64
}

// NewAsyncIndexer creates a stopped indexer.
func NewAsyncIndexer(cfg Config) *AsyncIndexer {
	cfg = cfg.withDefaults()
	return &AsyncIndexer{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "async_indexer").Logger(),
		queue:    priorityQueue{limit: cfg.MaxQueueSize},
		handlers: make(map[string]HandlerFunc),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// RegisterHandler sets the handler for taskType, replacing any previous one.
func (a *AsyncIndexer) RegisterHandler(taskType string, h HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[taskType] = h
}

// Start launches the workers and the flush timer. It is a no-op when the
// indexer is already running or has been stopped.
func (a *AsyncIndexer) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running || a.stopped {
		return
	}
	a.running = true

	for i := 0; i < a.cfg.MaxWorkers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	a.wg.Add(1)
	go a.flushLoop()

	a.logger.Info().Int("workers", a.cfg.MaxWorkers).Int("batch_size", a.cfg.BatchSize).
		Dur("flush_interval", a.cfg.FlushInterval).Msg("async indexer started")
}

// Stop halts the workers and the timer, then processes the buffer and every
// queued task synchronously so nothing submitted before Stop is lost. It
// returns an error if the goroutines did not exit within timeout; the
// remaining work is processed either way.
func (a *AsyncIndexer) Stop(timeout time.Duration) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	wasRunning := a.running
	a.stopped = true
	a.running = false
	close(a.stop)
	a.mu.Unlock()

	var stopErr error
	if wasRunning {
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			stopErr = fmt.Errorf("async indexer workers did not stop within %s", timeout)
			a.logger.Warn().Dur("timeout", timeout).Msg("workers still running at stop, draining anyway")
		}
	}

	a.drain()
	a.logger.Info().Int64("processed", a.totalProcessed.Load()).Int64("errors", a.totalErrors.Load()).
		Msg("async indexer stopped")
	return stopErr
}

// drain flushes the buffer and then empties the queue batch by batch.
func (a *AsyncIndexer) drain() {
	for {
		a.mu.Lock()
		for len(a.buffer) < a.cfg.BatchSize {
			t, ok := a.queue.pop()
			if !ok {
				break
			}
			a.buffer = append(a.buffer, t)
		}
		batch := a.takeBufferLocked()
		a.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		a.flush(batch)
	}
}

// Submit queues a task. When the queue is full, or the indexer has been
// stopped, the task is processed synchronously instead. An empty id is
// replaced by a generated one. It always reports true.
func (a *AsyncIndexer) Submit(id, taskType string, data interface{}, priority int) bool {
	if id == "" {
		id = uuid.NewString()
	}
	t := &Task{
		ID:         id,
		Type:       taskType,
		Data:       data,
		Priority:   priority,
		CreatedAt:  time.Now(),
		MaxRetries: a.cfg.MaxRetries,
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		a.processSync(t)
		return true
	}
	if !a.queue.push(t) {
		a.mu.Unlock()
		a.logger.Warn().Str("task", id).Str("type", taskType).Int("queue_size", a.cfg.MaxQueueSize).
			Msg("index queue full, processing synchronously")
		a.processSync(t)
		return true
	}
	a.mu.Unlock()
	a.signal()
	return true
}

// SubmitBatch submits each task and returns how many were accepted. Tasks
// keep their own priority; an empty Type defaults to "add".
func (a *AsyncIndexer) SubmitBatch(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		typ := t.Type
		if typ == "" {
			typ = "add"
		}
		if a.Submit(t.ID, typ, t.Data, t.Priority) {
			n++
		}
	}
	return n
}

func (a *AsyncIndexer) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *AsyncIndexer) worker() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		t, ok := a.queue.pop()
		var batch []*Task
		if ok {
			a.buffer = append(a.buffer, t)
			if len(a.buffer) >= a.cfg.BatchSize {
				batch = a.takeBufferLocked()
			}
		}
		more := a.queue.len() > 0
		a.mu.Unlock()

		if more {
			a.signal()
		}
		if len(batch) > 0 {
			a.flush(batch)
		}
		if ok {
			continue
		}

		select {
		case <-a.stop:
			return
		case <-a.wake:
		}
	}
}

func (a *AsyncIndexer) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.mu.Lock()
			batch := a.takeBufferLocked()
			a.mu.Unlock()
			if len(batch) > 0 {
				a.flush(batch)
			}
		}
	}
}

// takeBufferLocked swaps the buffer out and marks it in flight.
func (a *AsyncIndexer) takeBufferLocked() []*Task {
	if len(a.buffer) == 0 {
		return nil
	}
	batch := a.buffer
	a.buffer = nil
	a.inFlight.Add(1)
	return batch
}

// flush groups batch by type and runs each group through its handler.
// Failed tasks with retries left are requeued.
func (a *AsyncIndexer) flush(batch []*Task) {
	defer a.inFlight.Add(-1)
	for _, retry := range a.process(batch) {
		a.requeue(retry)
	}
	a.totalBatches.Add(1)
}

// processSync runs one task to completion, retrying inline.
func (a *AsyncIndexer) processSync(t *Task) {
	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	pending := []*Task{t}
	for len(pending) > 0 {
		pending = a.process(pending)
	}
}

// process runs the handlers and returns the tasks that should be retried,
// with RetryCount already incremented.
func (a *AsyncIndexer) process(batch []*Task) []*Task {
	groups := make(map[string][]*Task)
	var order []string
	for _, t := range batch {
		if _, ok := groups[t.Type]; !ok {
			order = append(order, t.Type)
		}
		groups[t.Type] = append(groups[t.Type], t)
	}

	var retry []*Task
	for _, typ := range order {
		tasks := groups[typ]
		a.mu.Lock()
		h := a.handlers[typ]
		a.mu.Unlock()
		if h == nil {
			a.totalDropped.Add(int64(len(tasks)))
			a.logger.Warn().Str("type", typ).Int("tasks", len(tasks)).Msg("no handler registered, dropping tasks")
			continue
		}

		values := make([]Task, len(tasks))
		for i, t := range tasks {
			values[i] = *t
		}
		if err := h(context.Background(), values); err != nil {
			a.totalErrors.Add(1)
			a.logger.Warn().Err(err).Str("type", typ).Int("tasks", len(tasks)).Msg("index batch failed")
			if a.OnError != nil {
				a.OnError(typ, values, err)
			}
			for _, t := range tasks {
				if t.RetryCount < t.MaxRetries {
					t.RetryCount++
					retry = append(retry, t)
				} else {
					a.totalDropped.Add(1)
					a.logger.Warn().Str("task", t.ID).Str("type", typ).Int("retries", t.RetryCount).
						Msg("index task exhausted retries")
				}
			}
			continue
		}

		a.totalProcessed.Add(int64(len(tasks)))
		if a.OnBatchComplete != nil {
			a.OnBatchComplete(typ, len(tasks))
		}
	}
	return retry
}

// requeue puts a failed task back on the queue. After Stop, or when the
// queue is full, it is retried synchronously instead.
func (a *AsyncIndexer) requeue(t *Task) {
	a.mu.Lock()
	if !a.stopped && a.queue.push(t) {
		a.mu.Unlock()
		a.signal()
		return
	}
	a.mu.Unlock()
	a.processSync(t)
}

// Stats returns counters and sizes.
func (a *AsyncIndexer) Stats() Stats {
	a.mu.Lock()
	handlers := make([]string, 0, len(a.handlers))
	for k := range a.handlers {
		handlers = append(handlers, k)
	}
	st := Stats{
		Running:    a.running,
		QueueSize:  a.queue.len(),
		BufferSize: len(a.buffer),
		Handlers:   handlers,
	}
	a.mu.Unlock()
	sort.Strings(st.Handlers)

	st.TotalProcessed = a.totalProcessed.Load()
	st.TotalBatches = a.totalBatches.Load()
	st.TotalErrors = a.totalErrors.Load()
	st.TotalDropped = a.totalDropped.Load()
	return st
}

// QueueSize returns the number of queued tasks.
func (a *AsyncIndexer) QueueSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.len()
}

// IsIdle reports whether nothing is queued, buffered or being processed.
func (a *AsyncIndexer) IsIdle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.len() == 0 && len(a.buffer) == 0 && a.inFlight.Load() == 0
}
