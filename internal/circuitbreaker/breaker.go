// Package circuitbreaker is a lock free admission gate for calls to flaky
// provider APIs.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/sirupsen/logrus"
)

// State is the breaker state.
type State uint32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// ErrOpen is wrapped by OpenError.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned by Call when the breaker rejects a call without
// running it.
type OpenError struct {
	Provider       string
	RetryAfterSecs uint64
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %ds", e.Provider, e.RetryAfterSecs)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Config holds the thresholds of a breaker.
type Config struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	SuccessThreshold uint32
}

// DefaultConfig opens after 5 failures, tries again after 30s, closes after 2 successes.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2}
}

// StrictConfig opens after 3 failures, tries again after 60s, closes after 3 successes.
func StrictConfig() Config {
	return Config{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 3}
}

// LenientConfig opens after 10 failures, tries again after 15s, closes after 1 success.
func LenientConfig() Config {
	return Config{FailureThreshold: 10, RecoveryTimeout: 15 * time.Second, SuccessThreshold: 1}
}

// PresetConfig returns a preset by name: default, strict or lenient.
func PresetConfig(name string) (Config, error) {
	switch name {
	case "", "default":
		return DefaultConfig(), nil
	case "strict":
		return StrictConfig(), nil
	case "lenient":
		return LenientConfig(), nil
	default:
		return Config{}, fmt.Errorf("unknown circuit breaker preset %q", name)
	}
}

// The whole mutable state lives in one 64 bit word so every transition is a
// single CAS and readers never see state and counters from different moments:
//
//	bits 0-1   state
//	bit  2     trial call in flight (half open only)
//	bits 3-22  failure count
//	bits 23-42 success count
//	bits 43-63 epoch
//
// The epoch changes on every state transition and every trial admission. Call
// remembers the epoch it was admitted under and its outcome is ignored once the
// epoch has moved on, so a slow call admitted while closed cannot settle a
// later trial call.
const (
	stateMask    = 0x3
	trialBit     = 1 << 2
	failureShift = 3
	failureMask  = 1<<20 - 1
	successShift = 23
	successMask  = 1<<20 - 1
	epochShift   = 43
	epochMask    = 1<<21 - 1
)

type snapshot struct {
	state     State
	probing   bool
	failures  uint32
	successes uint32
	epoch     uint32
}

func unpack(w uint64) snapshot {
	return snapshot{
		state:     State(w & stateMask),
		probing:   w&trialBit != 0,
		failures:  uint32((w >> failureShift) & failureMask),
		successes: uint32((w >> successShift) & successMask),
		epoch:     uint32((w >> epochShift) & epochMask),
	}
}

func (s snapshot) pack() uint64 {
	w := uint64(s.state) & stateMask
	if s.probing {
		w |= trialBit
	}
	w |= (uint64(s.failures) & failureMask) << failureShift
	w |= (uint64(s.successes) & successMask) << successShift
	w |= (uint64(s.epoch) & epochMask) << epochShift
	return w
}

func nextEpoch(e uint32) uint32 {
	return (e + 1) & epochMask
}

func saturatingInc(n, limit uint32) uint32 {
	if n >= limit {
		return limit
	}
	return n + 1
}

// StateChangeFunc observes transitions.
type StateChangeFunc func(name string, from, to State)

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// WithRetryable overrides how Call decides whether an error counts as a failure.
func WithRetryable(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.isRetryable = fn }
}

// CircuitBreaker guards one provider, or one (tenant, provider) pair.
//
// lastFailure is stored before the CAS that publishes Open, and readers load
// the state word before lastFailure, so any reader that observes Open also
// observes the failure time that opened it.
type CircuitBreaker struct {
	name          string
	config        Config
	clock         Clock
	start         time.Time
	onStateChange StateChangeFunc
	isRetryable   func(error) bool

	word        atomic.Uint64
	lastFailure atomic.Int64 // milliseconds since start
}

// New creates a closed breaker named name.
func New(name string, config Config, opts ...Option) *CircuitBreaker {
	config.FailureThreshold = clampThreshold(config.FailureThreshold, failureMask)
	config.SuccessThreshold = clampThreshold(config.SuccessThreshold, successMask)
	cb := &CircuitBreaker{
		name:        name,
		config:      config,
		clock:       realClock{},
		isRetryable: defaultRetryable,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.start = cb.clock.Now()
	return cb
}

func clampThreshold(n, limit uint32) uint32 {
	switch {
	case n == 0:
		return 1
	case n > limit:
		return limit
	default:
		return n
	}
}

// defaultRetryable trusts errors that classify themselves.
func defaultRetryable(err error) bool {
	var classified interface{ IsRetryable() bool }
	if errors.As(err, &classified) {
		return classified.IsRetryable()
	}
	return false
}

func (cb *CircuitBreaker) Name() string   { return cb.name }
func (cb *CircuitBreaker) Config() Config { return cb.config }

func (cb *CircuitBreaker) elapsedMillis() int64 {
	return cb.clock.Now().Sub(cb.start).Milliseconds()
}

func (cb *CircuitBreaker) transitioned(from, to State) {
	fields := logrus.Fields{"breaker": cb.name, "from": from.String(), "to": to.String()}
	if to == Open {
		logging.Log.WithFields(fields).Warn("circuit breaker opened")
	} else {
		logging.Log.WithFields(fields).Info("circuit breaker state changed")
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	return unpack(cb.word.Load()).state
}

// FailureCount returns the consecutive failure count.
func (cb *CircuitBreaker) FailureCount() uint32 {
	return unpack(cb.word.Load()).failures
}

// SuccessCount returns the half open success count.
func (cb *CircuitBreaker) SuccessCount() uint32 {
	return unpack(cb.word.Load()).successes
}

// IsAllowed reports whether a call may proceed. Closed always admits. Open
// admits nothing until the recovery timeout has passed, then exactly one
// caller wins the CAS to HalfOpen and becomes the trial call. HalfOpen admits
// nothing while a trial call is in flight. Unlike a breaker whose half open state
// never admits, a trial call that succeeds below SuccessThreshold frees the slot and
// the next caller becomes the next trial; otherwise a threshold above one could
// never be reached through Call.
func (cb *CircuitBreaker) IsAllowed() bool {
	_, ok := cb.admit()
	return ok
}

// admit is IsAllowed returning the epoch the admission belongs to.
func (cb *CircuitBreaker) admit() (uint32, bool) {
	for {
		w := cb.word.Load()
		s := unpack(w)
		switch s.state {
		case Closed:
			return s.epoch, true
		case Open:
			sinceFailure := cb.elapsedMillis() - cb.lastFailure.Load()
			if sinceFailure < cb.config.RecoveryTimeout.Milliseconds() {
				return 0, false
			}
			next := snapshot{state: HalfOpen, probing: true, failures: s.failures, epoch: nextEpoch(s.epoch)}
			if cb.word.CompareAndSwap(w, next.pack()) {
				cb.transitioned(Open, HalfOpen)
				return next.epoch, true
			}
		case HalfOpen:
			if s.probing {
				return 0, false
			}
			s.probing = true
			s.epoch = nextEpoch(s.epoch)
			if cb.word.CompareAndSwap(w, s.pack()) {
				return s.epoch, true
			}
		default:
			return 0, false
		}
	}
}

// RecordSuccess records a successful call against the current state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.recordSuccess(false, 0)
}

// RecordFailure records a failed call against the current state.
func (cb *CircuitBreaker) RecordFailure() {
	cb.recordFailure(false, 0)
}

// recordSuccess ignores the outcome when owned is set and the breaker has left
// epoch since the call was admitted.
func (cb *CircuitBreaker) recordSuccess(owned bool, epoch uint32) {
	for {
		w := cb.word.Load()
		s := unpack(w)
		if owned && s.epoch != epoch {
			return
		}
		switch s.state {
		case Closed:
			if s.failures == 0 {
				return
			}
			s.failures = 0
			if cb.word.CompareAndSwap(w, s.pack()) {
				return
			}
		case HalfOpen:
			successes := saturatingInc(s.successes, successMask)
			if successes >= cb.config.SuccessThreshold {
				if cb.word.CompareAndSwap(w, snapshot{state: Closed, epoch: nextEpoch(s.epoch)}.pack()) {
					cb.transitioned(HalfOpen, Closed)
					return
				}
				continue
			}
			next := snapshot{state: HalfOpen, failures: s.failures, successes: successes, epoch: s.epoch}
			if cb.word.CompareAndSwap(w, next.pack()) {
				return
			}
		default:
			return
		}
	}
}

// recordFailure follows recordSuccess, except that any failure seen while
// open extends the recovery window.
func (cb *CircuitBreaker) recordFailure(owned bool, epoch uint32) {
	for {
		w := cb.word.Load()
		s := unpack(w)
		now := cb.elapsedMillis()
		if s.state == Open {
			cb.lastFailure.Store(now)
			return
		}
		if owned && s.epoch != epoch {
			return
		}
		switch s.state {
		case Closed:
			failures := saturatingInc(s.failures, failureMask)
			if failures >= cb.config.FailureThreshold {
				cb.lastFailure.Store(now)
				if cb.word.CompareAndSwap(w, snapshot{state: Open, failures: failures, epoch: nextEpoch(s.epoch)}.pack()) {
					cb.transitioned(Closed, Open)
					return
				}
				continue
			}
			s.failures = failures
			if cb.word.CompareAndSwap(w, s.pack()) {
				return
			}
		case HalfOpen:
			cb.lastFailure.Store(now)
			if cb.word.CompareAndSwap(w, snapshot{state: Open, failures: s.failures, epoch: nextEpoch(s.epoch)}.pack()) {
				cb.transitioned(HalfOpen, Open)
				return
			}
		default:
			return
		}
	}
}

// releaseTrial frees the half open trial slot held by the admission at epoch
// after an outcome that does not count either way.
func (cb *CircuitBreaker) releaseTrial(epoch uint32) {
	for {
		w := cb.word.Load()
		s := unpack(w)
		if s.state != HalfOpen || !s.probing || s.epoch != epoch {
			return
		}
		s.probing = false
		if cb.word.CompareAndSwap(w, s.pack()) {
			return
		}
	}
}

// Reset forces the breaker closed and clears both counters.
func (cb *CircuitBreaker) Reset() {
	var from State
	for {
		w := cb.word.Load()
		s := unpack(w)
		if cb.word.CompareAndSwap(w, snapshot{state: Closed, epoch: nextEpoch(s.epoch)}.pack()) {
			from = s.state
			break
		}
	}
	logging.Log.WithField("breaker", cb.name).Info("circuit breaker manually reset to closed state")
	if from != Closed && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, Closed)
	}
}

// TimeUntilRecovery returns the whole seconds, rounded up, until an open
// breaker admits a trial call. It is zero unless the breaker is open.
func (cb *CircuitBreaker) TimeUntilRecovery() uint64 {
	if cb.State() != Open {
		return 0
	}
	sinceFailure := cb.elapsedMillis() - cb.lastFailure.Load()
	remaining := cb.config.RecoveryTimeout.Milliseconds() - sinceFailure
	if remaining <= 0 {
		return 0
	}
	return uint64(math.Ceil(float64(remaining) / 1000))
}

// Call runs fn if the breaker admits it. Successes are recorded; errors are
// recorded as failures only when they are retryable, so a rejected
// credential or malformed request never trips the breaker. The breaker
// imposes no timeout of its own.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	_, err := Execute(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute is Call for functions that return a value.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	epoch, ok := cb.admit()
	if !ok {
		return zero, &OpenError{Provider: cb.name, RetryAfterSecs: cb.TimeUntilRecovery()}
	}

	result, err := fn(ctx)
	switch {
	case err == nil:
		cb.recordSuccess(true, epoch)
	case cb.isRetryable(err):
		cb.recordFailure(true, epoch)
	default:
		cb.releaseTrial(epoch)
	}
	return result, err
}
