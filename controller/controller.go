package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/agentgraph/logging"
)

// ErrSessionInFlight is returned when a session already holds a ticket.
var ErrSessionInFlight = errors.New("session already has a run in flight")

// Options configures a Controller.
type Options struct {
	// MaxConcurrent bounds simultaneously admitted runs. Defaults to 4.
	MaxConcurrent int

	// DefaultRunDuration seeds the average used for wait estimates until
	// the first run completes. Defaults to one minute.
	DefaultRunDuration time.Duration

	// CacheSize and CacheTTL configure the graph cache. Defaults: 128
	// entries, 30 minutes.
	CacheSize int
	CacheTTL  time.Duration

	// Registerer receives the controller and cache metrics when set.
	Registerer prometheus.Registerer

	Logger logging.Logger
	Clock  func() time.Time
}

// Ticket is a place in the admission queue. A ticket with Position 0 was
// admitted on arrival.
type Ticket struct {
	SessionID     string
	Position      int
	EstimatedWait time.Duration
	EnqueuedAt    time.Time

	c          *Controller
	ready      chan struct{}
	admitted   bool
	admittedAt time.Time
	done       bool
}

// Wait blocks until the ticket is admitted. A cancelled context removes the
// ticket from the queue (or gives the slot back when admission raced the
// cancellation) and returns the context error.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}
	t.c.abandon(t)
	return ctx.Err()
}

// Admitted reports whether the ticket holds a slot.
func (t *Ticket) Admitted() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

// Release gives the slot back and hands it to the next waiter. It is safe to
// call more than once and on tickets that were never admitted.
func (t *Ticket) Release() {
	t.c.release(t)
}

// Stats is a point-in-time view of the admission queue.
type Stats struct {
	MaxConcurrent   int
	Running         int
	Queued          int
	Admitted        uint64
	Completed       uint64
	AverageDuration time.Duration
}

// Controller bounds the number of simultaneous workflow runs. Requests beyond
// the bound wait in FIFO order; every release admits the oldest waiter.
type Controller struct {
	mu       sync.Mutex
	slots    int
	running  int
	queue    []*Ticket
	inFlight map[string]*Ticket

	admitted      uint64
	completed     uint64
	totalDuration time.Duration
	defaultRun    time.Duration

	cache   *GraphCache
	metrics *metrics
	logger  logging.Logger
	clock   func() time.Time
}

// New creates a Controller.
func New(optFns ...func(o *Options)) *Controller {
	opts := Options{
		MaxConcurrent:      4,
		DefaultRunDuration: time.Minute,
		CacheSize:          128,
		CacheTTL:           30 * time.Minute,
		Logger:             logging.NoOpLogger{},
		Clock:              time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}

	m := newMetrics(opts.Registerer)
	c := &Controller{
		slots:      opts.MaxConcurrent,
		inFlight:   make(map[string]*Ticket),
		defaultRun: opts.DefaultRunDuration,
		metrics:    m,
		logger:     opts.Logger,
		clock:      opts.Clock,
	}
	c.cache = NewGraphCache(func(o *CacheOptions) {
		o.MaxEntries = opts.CacheSize
		o.TTL = opts.CacheTTL
		o.Clock = opts.Clock
		o.metrics = m
	})
	m.slots.Set(float64(c.slots))
	return c
}

// Cache returns the graph cache owned by the controller.
func (c *Controller) Cache() *GraphCache { return c.cache }

// Enqueue registers sessionID and returns immediately. The ticket is either
// admitted (Position 0) or queued behind Position-1 other waiters.
func (c *Controller) Enqueue(sessionID string) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[sessionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionInFlight, sessionID)
	}

	t := &Ticket{
		SessionID:  sessionID,
		EnqueuedAt: c.clock(),
		c:          c,
		ready:      make(chan struct{}),
	}
	c.inFlight[sessionID] = t

	if c.running < c.slots && len(c.queue) == 0 {
		c.admitLocked(t)
		return t, nil
	}

	c.queue = append(c.queue, t)
	t.Position = len(c.queue)
	t.EstimatedWait = time.Duration(t.Position) * c.averageLocked()
	c.metrics.queued.Set(float64(len(c.queue)))
	c.logger.Info("Run queued", "session_id", sessionID, "position", t.Position, "estimated_wait", t.EstimatedWait)
	return t, nil
}

// Admit enqueues sessionID and waits for a slot.
func (c *Controller) Admit(ctx context.Context, sessionID string) (*Ticket, error) {
	t, err := c.Enqueue(sessionID)
	if err != nil {
		return nil, err
	}
	if err := t.Wait(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Position returns the current queue position of sessionID: 0 when it is
// running, n >= 1 when waiting. ok is false for unknown sessions.
func (c *Controller) Position(sessionID string) (position int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.inFlight[sessionID]
	if !ok {
		return 0, false
	}
	if t.admitted {
		return 0, true
	}
	for i, q := range c.queue {
		if q == t {
			return i + 1, true
		}
	}
	return 0, false
}

// Stats returns a snapshot of the queue counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		MaxConcurrent:   c.slots,
		Running:         c.running,
		Queued:          len(c.queue),
		Admitted:        c.admitted,
		Completed:       c.completed,
		AverageDuration: c.averageLocked(),
	}
}

func (c *Controller) averageLocked() time.Duration {
	if c.completed == 0 {
		return c.defaultRun
	}
	return c.totalDuration / time.Duration(c.completed)
}

func (c *Controller) admitLocked(t *Ticket) {
	c.running++
	c.admitted++
	t.admitted = true
	t.admittedAt = c.clock()
	close(t.ready)

	c.metrics.running.Set(float64(c.running))
	c.metrics.admitted.Inc()
	c.metrics.waitSeconds.Observe(t.admittedAt.Sub(t.EnqueuedAt).Seconds())
	c.logger.Debug("Run admitted", "session_id", t.SessionID, "running", c.running)
}

// dispatchLocked admits waiters in FIFO order while slots are free.
func (c *Controller) dispatchLocked() {
	for c.running < c.slots && len(c.queue) > 0 {
		next := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.admitLocked(next)
	}
	c.metrics.queued.Set(float64(len(c.queue)))
}

func (c *Controller) release(t *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	if c.inFlight[t.SessionID] == t {
		delete(c.inFlight, t.SessionID)
	}

	if !t.admitted {
		c.removeLocked(t)
		c.metrics.queued.Set(float64(len(c.queue)))
		return
	}

	dur := c.clock().Sub(t.admittedAt)
	c.running--
	c.completed++
	c.totalDuration += dur
	c.metrics.running.Set(float64(c.running))
	c.metrics.runSeconds.Observe(dur.Seconds())
	c.dispatchLocked()
}

func (c *Controller) abandon(t *Ticket) {
	c.mu.Lock()
	queued := !t.admitted
	c.mu.Unlock()
	if queued {
		c.metrics.abandoned.Inc()
		c.logger.Info("Queued run abandoned", "session_id", t.SessionID)
	}
	c.release(t)
}

func (c *Controller) removeLocked(t *Ticket) {
	for i, q := range c.queue {
		if q == t {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}
