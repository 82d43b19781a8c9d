// Package limiter bounds concurrent provider calls and trips a cooldown
// after failures that would repeat on every call.
package limiter

import (
    "context"
    "strings"
    "sync"
    "time"

    mpkg "github.com/local/pagereader/internal/metrics"
    "github.com/rs/zerolog/log"
)

type Options struct {
    MaxInflight int
    BaseBackoff time.Duration
    MaxBackoff  time.Duration
    // Now is used by tests; defaults to time.Now.
    Now func() time.Time
}

type Adaptive struct {
    maxInflight int
    baseBackoff time.Duration
    maxBackoff  time.Duration
    now         func() time.Time

    mu       sync.Mutex
    sem      map[string]chan struct{}
    breakers map[string]*breaker
}

type breaker struct {
    failures int
    retryAt  time.Time
    lastErr  error
}

func New(opts Options) *Adaptive {
    if opts.MaxInflight <= 0 { opts.MaxInflight = 2 }
    if opts.BaseBackoff <= 0 { opts.BaseBackoff = 30 * time.Second }
    if opts.MaxBackoff <= 0 { opts.MaxBackoff = 5 * time.Minute }
    if opts.Now == nil { opts.Now = time.Now }
    return &Adaptive{
        maxInflight: opts.MaxInflight,
        baseBackoff: opts.BaseBackoff,
        maxBackoff:  opts.MaxBackoff,
        now:         opts.Now,
        sem:         map[string]chan struct{}{},
        breakers:    map[string]*breaker{},
    }
}

func key(provider string) string { return strings.ToLower(provider) }

// Acquire blocks until an in-flight slot for provider is free or ctx ends.
func (a *Adaptive) Acquire(ctx context.Context, provider string) (func(), error) {
    k := key(provider)
    a.mu.Lock()
    ch, ok := a.sem[k]
    if !ok {
        ch = make(chan struct{}, a.maxInflight)
        a.sem[k] = ch
    }
    a.mu.Unlock()
    select {
    case ch <- struct{}{}:
        return func() { <-ch }, nil
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

// Open returns the error that opened the breaker while its cooldown is
// active, or nil when calls are allowed.
func (a *Adaptive) Open(provider string) error {
    a.mu.Lock()
    defer a.mu.Unlock()
    b, ok := a.breakers[key(provider)]
    if !ok || b.retryAt.IsZero() {
        return nil
    }
    if !a.now().Before(b.retryAt) {
        // half-open: let one probe through
        b.retryAt = time.Time{}
        log.Info().Str("provider", provider).Msg("circuit breaker moved to HALF-OPEN")
        return nil
    }
    return b.lastErr
}

// Trip opens the breaker with exponential cooldown per consecutive failure.
func (a *Adaptive) Trip(provider string, cause error) time.Duration {
    a.mu.Lock()
    b, ok := a.breakers[key(provider)]
    if !ok {
        b = &breaker{}
        a.breakers[key(provider)] = b
    }
    b.failures++
    d := a.baseBackoff
    for i := 1; i < b.failures; i++ {
        d *= 2
        if d > a.maxBackoff {
            d = a.maxBackoff
            break
        }
    }
    b.retryAt = a.now().Add(d)
    b.lastErr = cause
    failures := b.failures
    a.mu.Unlock()

    mpkg.BreakerOpened(provider)
    log.Warn().
        Str("provider", provider).
        Dur("cooldown", d).
        Int("failures", failures).
        Err(cause).
        Msg("circuit breaker OPENED")
    return d
}

// Reset closes the breaker after a successful call.
func (a *Adaptive) Reset(provider string) {
    a.mu.Lock()
    _, ok := a.breakers[key(provider)]
    delete(a.breakers, key(provider))
    a.mu.Unlock()
    if ok {
        mpkg.BreakerClosed(provider)
        log.Info().Str("provider", provider).Msg("circuit breaker CLOSED (reset)")
    }
}
