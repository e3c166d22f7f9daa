// Package coordinator keeps one device's RefreshState fresh. A single periodic
// fetch serves every consumer; concurrent refresh requests share the fetch that
// is already in flight, and failures never discard the last good snapshot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"onemeter/internal/api"
	"onemeter/internal/metrics"
	"onemeter/internal/model"
)

const (
	DefaultInterval = 300 * time.Second
	DefaultTimeout  = 10 * time.Second

	flightKey = "refresh"
)

var (
	ErrAlreadyStarted = errors.New("coordinator already started")
	ErrClosed         = errors.New("coordinator closed")
	ErrInitialFetch   = errors.New("initial refresh failed")
)

// InitialFetchError is returned by Start when the first refresh fails.
// Setup must be aborted: there is no data to serve.
type InitialFetchError struct {
	Err error
}

func (e *InitialFetchError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInitialFetch, e.Err)
}

func (e *InitialFetchError) Unwrap() error {
	return e.Err
}

func (e *InitialFetchError) Is(target error) bool {
	return target == ErrInitialFetch
}

// Fetcher performs one fetch of the device document. If it also implements
// io.Closer, the coordinator owns it and closes it on shutdown.
type Fetcher interface {
	Fetch(ctx context.Context) (model.Snapshot, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context) (model.Snapshot, error)

func (f FetchFunc) Fetch(ctx context.Context) (model.Snapshot, error) {
	return f(ctx)
}

// Listener is called after every refresh attempt with the resulting state.
type Listener func(model.RefreshState)

// Options configure a Coordinator. Interval is fixed for the coordinator's lifetime.
type Options struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	MaxBackoff time.Duration // 0 keeps the fixed interval after failures
	Clock      Clock
	Logger     *zerolog.Logger
	Recorder   *metrics.Recorder
}

// Coordinator owns the polling timer, the single-flight fetch, and the
// RefreshState of one device.
type Coordinator struct {
	fetcher  Fetcher
	opts     Options
	clock    Clock
	log      zerolog.Logger
	recorder *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	flight singleflight.Group

	// straggler is closed when an abandoned fetch finally returns. Only
	// touched inside the flight.
	straggler chan struct{}

	mu    sync.RWMutex
	state model.RefreshState

	subMu  sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

type subscriber struct {
	fn Listener
	ch chan model.RefreshState
}

// New creates a stopped coordinator. Call Start to perform the first refresh.
func New(fetcher Fetcher, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		fetcher:  fetcher,
		opts:     opts,
		clock:    opts.Clock,
		log:      log.With().Str("component", "coordinator").Str("name", opts.Name).Logger(),
		recorder: opts.Recorder,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[uint64]*subscriber),
	}
}

// Start performs one synchronous refresh and, if it succeeds, starts the
// periodic loop. A failed first refresh returns *InitialFetchError and
// shuts the coordinator down.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if _, err := c.RequestRefresh(ctx); err != nil {
		_ = c.Close()
		return &InitialFetchError{Err: err}
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.wg.Add(1)
	go c.loop()

	c.log.Info().Dur("interval", c.opts.Interval).Msg("refresh loop started")
	return nil
}

// RequestRefresh triggers an out-of-band refresh. If one is already in flight
// the caller waits for that one instead of starting another. Cancelling ctx
// abandons the wait, not the shared fetch.
func (c *Coordinator) RequestRefresh(ctx context.Context) (model.RefreshState, error) {
	if c.ctx.Err() != nil {
		return c.State(), ErrClosed
	}

	ch := c.flight.DoChan(flightKey, c.sharedRefresh)
	select {
	case res := <-ch:
		st, _ := res.Val.(model.RefreshState)
		return st, res.Err
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// State returns a copy of the current RefreshState.
func (c *Coordinator) State() model.RefreshState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Interval reports the fixed polling interval.
func (c *Coordinator) Interval() time.Duration {
	return c.opts.Interval
}

// Subscribe registers fn to be called after each refresh attempt. Each
// listener runs on its own goroutine and only ever sees the latest state; a
// slow listener skips intermediate states rather than blocking the coordinator.
func (c *Coordinator) Subscribe(fn Listener) uint64 {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed || fn == nil {
		return 0
	}

	c.nextID++
	id := c.nextID
	s := &subscriber{fn: fn, ch: make(chan model.RefreshState, 1)}
	c.subs[id] = s

	c.wg.Add(1)
	go c.deliver(s)
	return id
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (c *Coordinator) Unsubscribe(id uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if s, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(s.ch)
	}
}

// Close stops the loop, cancels any outstanding fetch, stops listener
// goroutines and closes the fetcher if it owns resources.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.subMu.Lock()
		c.closed = true
		for id, s := range c.subs {
			delete(c.subs, id)
			close(s.ch)
		}
		c.subMu.Unlock()

		c.wg.Wait()

		if closer, ok := c.fetcher.(io.Closer); ok {
			c.closeErr = closer.Close()
		}
		c.log.Debug().Msg("coordinator closed")
	})
	return c.closeErr
}

func (c *Coordinator) loop() {
	defer c.wg.Done()

	next := c.newScheduler()
	delay := c.opts.Interval
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.clock.After(delay):
		}

		_, err, _ := c.flight.Do(flightKey, c.sharedRefresh)
		if c.ctx.Err() != nil {
			return
		}
		delay = next(err)
	}
}

// newScheduler returns the function picking the delay before the next tick.
func (c *Coordinator) newScheduler() func(error) time.Duration {
	if c.opts.MaxBackoff <= 0 {
		return func(error) time.Duration { return c.opts.Interval }
	}

	maxDelay := c.opts.MaxBackoff
	if maxDelay < c.opts.Interval {
		maxDelay = c.opts.Interval
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.Interval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	bo.Reset()

	return func(err error) time.Duration {
		if err == nil {
			bo.Reset()
			return c.opts.Interval
		}
		d := bo.NextBackOff()
		if d == backoff.Stop || d > maxDelay {
			return maxDelay
		}
		return d
	}
}

func (c *Coordinator) sharedRefresh() (any, error) {
	st, err := c.refresh()
	return st, err
}

// refresh runs exactly one fetch and applies its outcome in one step.
func (c *Coordinator) refresh() (model.RefreshState, error) {
	started := c.clock.Now()

	c.mu.Lock()
	c.state.InFlight = true
	c.state.LastAttempt = started
	c.mu.Unlock()

	snap, err := c.fetchWithTimeout()
	finished := c.clock.Now()

	c.mu.Lock()
	if err != nil && c.ctx.Err() != nil {
		// Shutting down: the fetch was cancelled, not failed.
		c.state.InFlight = false
		st := c.state
		c.mu.Unlock()
		return st, ErrClosed
	}
	next := c.state
	next.InFlight = false
	hadError := next.LastError != nil
	if err != nil {
		next.LastError = &model.ErrorInfo{
			Kind:    api.KindOf(err),
			Message: err.Error(),
			At:      finished,
		}
	} else {
		next.Snapshot = snap
		next.LastSuccess = finished
		next.LastError = nil
	}
	c.state = next
	c.mu.Unlock()

	took := finished.Sub(started)
	if err != nil {
		c.recorder.ObserveRefresh(string(next.LastError.Kind), took, finished)
		c.log.Warn().Err(err).Str("kind", string(next.LastError.Kind)).Dur("took", took).Msg("refresh failed")
	} else {
		c.recorder.ObserveRefresh(metrics.ResultSuccess, took, finished)
		if hadError {
			c.log.Info().Dur("took", took).Msg("refresh recovered")
		} else {
			c.log.Debug().Dur("took", took).Msg("refresh ok")
		}
	}

	c.notify(next)
	return next, err
}

type fetchResult struct {
	snap model.Snapshot
	err  error
}

// fetchWithTimeout bounds the fetch even if the fetcher ignores its context.
// While an abandoned fetch is still running no new one is started, so the
// transport never sees two outstanding fetches.
func (c *Coordinator) fetchWithTimeout() (model.Snapshot, error) {
	if c.straggler != nil {
		select {
		case <-c.straggler:
			c.straggler = nil
		default:
			return model.Snapshot{}, &api.FetchError{
				Kind: model.ErrorKindFetchTimeout,
				Err:  errors.New("previous fetch still running"),
			}
		}
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.Timeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: &api.FetchError{
					Kind: model.ErrorKindMalformedResponse,
					Err:  fmt.Errorf("fetch panicked: %v", r),
				}}
			}
		}()
		snap, err := c.fetcher.Fetch(ctx)
		done <- fetchResult{snap: snap, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(res.err, api.ErrFetchTimeout) {
				return model.Snapshot{}, timeoutError(c.opts.Timeout, res.err)
			}
			return model.Snapshot{}, res.err
		}
		if res.snap.IsZero() {
			return model.Snapshot{}, &api.FetchError{Kind: model.ErrorKindMalformedResponse, Err: errors.New("empty snapshot")}
		}
		return res.snap, nil
	case <-ctx.Done():
		c.straggler = finished
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Snapshot{}, timeoutError(c.opts.Timeout, ctx.Err())
		}
		return model.Snapshot{}, &api.FetchError{Kind: model.ErrorKindFetchTransport, Err: ErrClosed}
	}
}

func timeoutError(limit time.Duration, err error) error {
	return &api.FetchError{
		Kind: model.ErrorKindFetchTimeout,
		Err:  fmt.Errorf("no response within %s: %w", limit, err),
	}
}

func (c *Coordinator) notify(st model.RefreshState) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subs {
		select {
		case s.ch <- st:
		default:
			// Replace the undelivered state with the newer one.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- st:
			default:
			}
		}
	}
}

func (c *Coordinator) deliver(s *subscriber) {
	defer c.wg.Done()
	for st := range s.ch {
		c.call(s.fn, st)
	}
}

func (c *Coordinator) call(fn Listener, st model.RefreshState) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn(st)
}
