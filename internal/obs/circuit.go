package obs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed - normal operation, requests are allowed
	CircuitClosed CircuitState = iota
	// CircuitOpen - circuit is open, requests are rejected
	CircuitOpen
	// CircuitHalfOpen - testing if service has recovered
	CircuitHalfOpen
)

// String returns the string representation of circuit state
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// KVOperation names one of the durable KV-backed operations sync!,
// flush! and gc! perform against the configured kvstore.KV backend.
// Each gets its own breaker in a KVBreakerRegistry, so a storage
// backend that is failing gc! compaction writes doesn't also trip
// sync!'s breaker and block ordinary commits.
type KVOperation string

const (
	OpSync  KVOperation = "sync"
	OpFlush KVOperation = "flush"
	OpGC    KVOperation = "gc"
	OpGet   KVOperation = "get"
	OpPut   KVOperation = "put"
)

// KVBreakerConfig configures a KVCircuitBreaker for one KVOperation.
type KVBreakerConfig struct {
	// Operation identifies which durable KV path this breaker guards.
	Operation KVOperation

	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures int

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// MaxRequests is the number of probe requests allowed while half-open.
	MaxRequests int

	// FailureThreshold is the failure rate (0.0-1.0) that opens the circuit
	// once MinRequests have been observed in the current generation.
	FailureThreshold float64

	// MinRequests is the request count before FailureThreshold is evaluated.
	MinRequests int

	// ResetTimeout is how long a closed circuit runs before its failure
	// counters age out into a fresh generation.
	ResetTimeout time.Duration
}

// DefaultKVBreakerConfig returns the defaults sync!/flush!/gc! are guarded
// with: KV stores backing proximum (bbolt, badger, a remote object store)
// are expected to fail in bursts (disk full, network partition) rather
// than flakily, so a handful of consecutive failures is enough signal.
func DefaultKVBreakerConfig(op KVOperation) KVBreakerConfig {
	return KVBreakerConfig{
		Operation:        op,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
		FailureThreshold: 0.6,
		MinRequests:      10,
		ResetTimeout:     60 * time.Second,
	}
}

// KVCircuitBreaker protects one KVOperation against a failing KV backend:
// once it trips open, sync!/flush!/gc! fail fast with ErrBreakerOpen
// instead of blocking on a backend that is already down, per spec's I/O
// error class (retryable, branch head left untouched).
type KVCircuitBreaker struct {
	mu     sync.RWMutex
	config KVBreakerConfig
	state  CircuitState

	failures   int
	successes  int
	requests   int
	generation int64

	lastFailureTime time.Time
	lastSuccessTime time.Time
	expiry          time.Time

	onStateChange func(op KVOperation, from, to CircuitState)
}

// NewKVCircuitBreaker creates a breaker for a single KV operation.
func NewKVCircuitBreaker(config KVBreakerConfig) *KVCircuitBreaker {
	return &KVCircuitBreaker{
		config:     config,
		state:      CircuitClosed,
		expiry:     time.Now().Add(config.ResetTimeout),
		generation: 0,
	}
}

// ErrBreakerOpen is returned by Execute when the breaker is rejecting
// requests; callers wrap it into a retryable ProximumError per spec's I/O
// error taxonomy rather than surfacing it directly.
type ErrBreakerOpen struct {
	Operation KVOperation
	HalfOpen  bool
}

func (e *ErrBreakerOpen) Error() string {
	if e.HalfOpen {
		return fmt.Sprintf("kv circuit breaker for %q is half-open and its probe budget is exhausted", e.Operation)
	}
	return fmt.Sprintf("kv circuit breaker for %q is open", e.Operation)
}

// Execute runs fn guarded by the breaker's state, recording the outcome.
func (cb *KVCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn()
	cb.afterRequest(generation, err)
	return err
}

func (cb *KVCircuitBreaker) beforeRequest() (int64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == CircuitOpen {
		return generation, &ErrBreakerOpen{Operation: cb.config.Operation}
	}

	if state == CircuitHalfOpen && cb.requests >= cb.config.MaxRequests {
		return generation, &ErrBreakerOpen{Operation: cb.config.Operation, HalfOpen: true}
	}

	cb.requests++
	return generation, nil
}

func (cb *KVCircuitBreaker) afterRequest(generation int64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)

	if generation != currentGeneration {
		return
	}

	if err != nil {
		cb.onFailure(state, now)
	} else {
		cb.onSuccess(state, now)
	}
}

func (cb *KVCircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.failures++
	cb.lastFailureTime = now

	switch state {
	case CircuitClosed:
		if cb.shouldOpen(now) {
			cb.setState(CircuitOpen, now)
		}
	case CircuitHalfOpen:
		cb.setState(CircuitOpen, now)
	}
}

func (cb *KVCircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.successes++
	cb.lastSuccessTime = now

	if state == CircuitHalfOpen && cb.successes >= cb.config.MaxRequests {
		cb.setState(CircuitClosed, now)
	}
}

func (cb *KVCircuitBreaker) shouldOpen(now time.Time) bool {
	if cb.failures >= cb.config.MaxFailures {
		return true
	}
	if cb.requests >= cb.config.MinRequests {
		failureRate := float64(cb.failures) / float64(cb.requests)
		return failureRate >= cb.config.FailureThreshold
	}
	return false
}

func (cb *KVCircuitBreaker) currentState(now time.Time) (CircuitState, int64) {
	switch cb.state {
	case CircuitClosed:
		if cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case CircuitOpen:
		if cb.expiry.Before(now) {
			cb.setState(CircuitHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *KVCircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.config.Operation, prev, state)
	}
}

func (cb *KVCircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.requests = 0
	cb.failures = 0
	cb.successes = 0

	var timeout time.Duration
	switch cb.state {
	case CircuitClosed:
		timeout = cb.config.ResetTimeout
	case CircuitOpen, CircuitHalfOpen:
		timeout = cb.config.Timeout
	}

	cb.expiry = now.Add(timeout)
}

// State returns the breaker's current state, resolving any pending
// open-to-half-open transition first.
func (cb *KVCircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	state, _ := cb.currentState(time.Now())
	return state
}

// Counts returns the current generation's failure/success/request totals.
func (cb *KVCircuitBreaker) Counts() (failures, successes, requests int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.failures, cb.successes, cb.requests
}

// OnStateChange installs a callback fired on every state transition.
func (cb *KVCircuitBreaker) OnStateChange(fn func(op KVOperation, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.onStateChange = fn
}

// Reset forces the breaker back to closed, discarding its failure history.
func (cb *KVCircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(CircuitClosed, time.Now())
}

// KVBreakerRegistry holds one KVCircuitBreaker per KVOperation an Index
// performs against its kvstore.KV backend, so sync!, flush! and gc! fail
// independently instead of sharing a single breaker's failure budget.
type KVBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[KVOperation]*KVCircuitBreaker
}

// NewKVBreakerRegistry builds an empty registry; breakers are created
// lazily on first use via Execute or GetOrCreate, each with
// DefaultKVBreakerConfig for its operation.
func NewKVBreakerRegistry() *KVBreakerRegistry {
	return &KVBreakerRegistry{breakers: make(map[KVOperation]*KVCircuitBreaker)}
}

// GetOrCreate returns the registry's breaker for op, creating it with
// DefaultKVBreakerConfig(op) if this is the first call for that operation.
func (r *KVBreakerRegistry) GetOrCreate(op KVOperation) *KVCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, exists := r.breakers[op]; exists {
		return breaker
	}
	breaker := NewKVCircuitBreaker(DefaultKVBreakerConfig(op))
	r.breakers[op] = breaker
	return breaker
}

// Execute runs fn through op's breaker, creating it on first use.
func (r *KVBreakerRegistry) Execute(ctx context.Context, op KVOperation, fn func() error) error {
	return r.GetOrCreate(op).Execute(ctx, fn)
}

// Get retrieves an already-created breaker without creating one.
func (r *KVBreakerRegistry) Get(op KVOperation) (*KVCircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breaker, exists := r.breakers[op]
	return breaker, exists
}

// States returns the current state of every breaker the registry has
// created so far, keyed by operation, for health reporting.
func (r *KVBreakerRegistry) States() map[KVOperation]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[KVOperation]CircuitState, len(r.breakers))
	for op, breaker := range r.breakers {
		result[op] = breaker.State()
	}
	return result
}

// ResetAll resets every breaker the registry has created to closed.
func (r *KVBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, breaker := range r.breakers {
		breaker.Reset()
	}
}
