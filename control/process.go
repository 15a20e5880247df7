// Package control implements the control process: it attaches the
// counter through the manager, reads the counter on every tick, and
// detaches again on shutdown.
//
// The process follows the lifecycle
//
//	Unattached -> Attaching -> Attached -> Detaching -> Unattached
//
// A failed attach returns to Unattached with the error kept for
// Status. Reads are only served in Attached; everywhere else they fail
// with a *pktcount.ReadError.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/manager"
)

// ErrNotAttached is wrapped by the ReadError returned when the counter
// is read outside the Attached state.
var ErrNotAttached = errors.New("counter is not attached")

// Attacher is the part of the manager the control process drives.
type Attacher interface {
	Attach(ctx context.Context, req manager.AttachRequest) (*manager.Handle, error)
	Detach(ctx context.Context, h *manager.Handle) error
}

// Process owns one attachment for its whole lifetime.
type Process struct {
	attacher Attacher
	req      manager.AttachRequest
	logger   *slog.Logger
	reporter Reporter
	observe  func(error)
	interval time.Duration
	retries  int
	backoff  time.Duration
	now      func() time.Time

	state   atomic.Int32
	trigger chan struct{}

	// mu serialises lifecycle transitions against reads: a read holds
	// it shared so Stop cannot release the store underneath it. Start
	// holds it only around its transitions.
	mu       sync.RWMutex
	handle   *manager.Handle
	count    uint64
	lastRead time.Time
	lastErr  error
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the process logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Process) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithInterval sets the read loop period.
func WithInterval(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRetries retries a failed attach up to n more times, waiting
// backoff before the first retry and doubling it after each.
func WithRetries(n int, backoff time.Duration) Option {
	return func(p *Process) {
		p.retries = max(n, 0)
		p.backoff = max(backoff, 0)
	}
}

// WithReporter sets where tick results go. The default logs them.
func WithReporter(r Reporter) Option {
	return func(p *Process) {
		if r != nil {
			p.reporter = r
		}
	}
}

// WithAttachObserver registers fn to be called with the outcome of
// every attach attempt, nil on success.
func WithAttachObserver(fn func(error)) Option {
	return func(p *Process) {
		p.observe = fn
	}
}

// WithClock sets the clock used to timestamp reads.
func WithClock(now func() time.Time) Option {
	return func(p *Process) {
		p.now = now
	}
}

// New creates a Process that will attach according to req.
func New(attacher Attacher, req manager.AttachRequest, opts ...Option) *Process {
	p := &Process{
		attacher: attacher,
		req:      req,
		logger:   slog.Default(),
		observe:  func(error) {},
		interval: time.Second,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "control", "interface", req.Interface.String())
	if p.reporter == nil {
		p.reporter = NewLogReporter(p.logger)
	}
	return p
}

// State returns the current lifecycle state.
func (p *Process) State() pktcount.State {
	return pktcount.State(p.state.Load())
}

// transition moves to next. Callers must hold p.mu exclusively.
func (p *Process) transition(next pktcount.State) error {
	cur := p.State()
	if !cur.CanTransition(next) {
		return fmt.Errorf("illegal state transition %s -> %s", cur, next)
	}
	p.state.Store(int32(next))
	p.logger.Debug("state changed", "from", cur, "to", next)
	return nil
}

// Start attaches the counter. Only an AttachError is retried; load and
// permission failures will not change by waiting. On failure the
// process is back in Unattached and the last error is returned.
//
// The lock is not held across attach attempts or backoff, so reads and
// Status stay responsive and observe Attaching while Start runs.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	err := p.transition(pktcount.StateAttaching)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	var (
		h       *manager.Handle
		backoff = p.backoff
		attempt int
	)
	for ; ; attempt++ {
		h, err = p.attacher.Attach(ctx, p.req)
		p.observe(err)
		if err == nil {
			break
		}

		var attachErr *pktcount.AttachError
		if !errors.As(err, &attachErr) || attempt >= p.retries {
			break
		}
		p.logger.Warn("attach failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		if waitErr := sleep(ctx, backoff); waitErr != nil {
			err = errors.Join(err, waitErr)
			break
		}
		backoff *= 2
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.handle = h
		p.count = 0
		p.lastErr = nil
		p.logger.Info("counter attached", "id", h.ID(), "ifindex", h.Interface().Index, "attempt", attempt+1)
		return p.transition(pktcount.StateAttached)
	}

	p.lastErr = err
	p.logger.Error("attach failed", "error", err)
	if terr := p.transition(pktcount.StateUnattached); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Read returns the current packet count.
func (p *Process) Read() (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.State() != pktcount.StateAttached {
		return 0, &pktcount.ReadError{Key: pktcount.CounterKey, Err: ErrNotAttached}
	}
	v, err := p.handle.Read()
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Reset zeroes the counter.
func (p *Process) Reset() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.State() != pktcount.StateAttached {
		return &pktcount.ReadError{Key: pktcount.CounterKey, Err: ErrNotAttached}
	}
	if err := p.handle.Reset(); err != nil {
		return err
	}
	p.logger.Info("counter reset")
	return nil
}

// Inject runs the attached program against n synthetic frames.
func (p *Process) Inject(ctx context.Context, n uint32) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.State() != pktcount.StateAttached {
		return ErrNotAttached
	}
	return p.handle.Inject(ctx, n)
}

// Tick reads the counter once and hands the result to the reporter.
func (p *Process) Tick(ctx context.Context) error {
	v, err := p.Read()
	at := p.now()

	p.mu.Lock()
	if err == nil {
		p.count = v
		p.lastRead = at
		p.lastErr = nil
	} else {
		p.lastErr = err
	}
	p.mu.Unlock()

	p.reporter.Report(ctx, Sample{
		Interface: p.req.Interface.String(),
		Count:     v,
		At:        at,
		Err:       err,
	})
	return err
}

// Trigger requests a read outside the regular schedule. It never
// blocks; triggers arriving while one is pending are coalesced.
func (p *Process) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run reads the counter every interval, and on every Trigger, until
// ctx is done. It then detaches. The process must already be
// attached.
func (p *Process) Run(ctx context.Context) error {
	if p.State() != pktcount.StateAttached {
		return fmt.Errorf("run: %w", ErrNotAttached)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.Stop(context.WithoutCancel(ctx))
		case <-ticker.C:
		case <-p.trigger:
		}
		// Read failures are reported; the loop keeps going so a
		// transient failure does not tear the attachment down.
		_ = p.Tick(ctx)
	}
}

// Stop detaches the counter. Stopping a process that is not attached
// is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != pktcount.StateAttached {
		return nil
	}
	if err := p.transition(pktcount.StateDetaching); err != nil {
		return err
	}

	err := p.attacher.Detach(ctx, p.handle)
	p.handle = nil
	if err != nil {
		p.lastErr = err
		p.logger.Error("detach incomplete", "error", err)
	} else {
		p.logger.Info("counter detached")
	}
	if terr := p.transition(pktcount.StateUnattached); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

// Status returns a point-in-time view of the process.
func (p *Process) Status() pktcount.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := p.State()
	s := pktcount.Status{
		State:     st,
		StateName: st.String(),
		Count:     p.count,
		LastRead:  p.lastRead,
	}
	if p.handle != nil {
		s.Record = p.handle.Record()
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	return s
}
