// Package pagecache serves page text on demand with at most one extraction
// per page for the lifetime of a session.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagereader/internal/metrics"
)

// ErrPageOutOfRange is returned for page indexes outside 1..Total().
var ErrPageOutOfRange = errors.New("page out of range")

// State of a page slot.
type State int

const (
	Empty State = iota
	Pending
	Resolved
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	default:
		return "empty"
	}
}

// Extractor produces the text of one page.
type Extractor interface {
	ExtractPage(ctx context.Context, page int) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, page int) (string, error)

func (f ExtractorFunc) ExtractPage(ctx context.Context, page int) (string, error) {
	return f(ctx, page)
}

// Sink receives every resolved page, e.g. for persistence.
type Sink interface {
	SavePageText(ctx context.Context, page int, text, source string) error
}

// Observer is called after every resolution with the resolved and total
// page counts. It must not block.
type Observer func(resolved, total int)

// Options configures a Cache.
type Options struct {
	// Timeout bounds a single extraction; zero means no bound.
	Timeout time.Duration
	// Source labels pages handed to the Sink (embedded or scanned).
	Source   string
	Observer Observer
	Sink     Sink
}

type slot struct {
	state State
	text  string
	done  chan struct{} // closed on resolution
}

// Cache holds one slot per page.
type Cache struct {
	extractor Extractor
	opts      Options

	mu       sync.Mutex
	slots    []slot // index 0 is page 1
	resolved int

	notifyMu sync.Mutex // keeps observer calls in resolution order
}

// New creates a cache for a document of total pages.
func New(total int, ex Extractor, opts Options) *Cache {
	if total < 0 {
		total = 0
	}
	return &Cache{extractor: ex, opts: opts, slots: make([]slot, total)}
}

func (c *Cache) Total() int { return len(c.slots) }

// Resolved returns the number of resolved slots.
func (c *Cache) Resolved() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// State reports the slot state of page; out of range pages report Empty.
func (c *Cache) State(page int) State {
	if page < 1 || page > len(c.slots) {
		return Empty
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[page-1].state
}

// Peek returns the text of page if it is resolved, without starting work.
func (c *Cache) Peek(page int) (string, bool) {
	if page < 1 || page > len(c.slots) {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slots[page-1]
	return s.text, s.state == Resolved
}

// GetPageText returns the text of page, extracting it if no one has yet.
// Extraction failures resolve to "". ctx only bounds this caller's wait.
func (c *Cache) GetPageText(ctx context.Context, page int) (string, error) {
	if page < 1 || page > len(c.slots) {
		return "", fmt.Errorf("%w: %d not in 1..%d", ErrPageOutOfRange, page, len(c.slots))
	}

	c.mu.Lock()
	s := &c.slots[page-1]
	switch s.state {
	case Resolved:
		text := s.text
		c.mu.Unlock()
		metrics.IncCache("hit")
		return text, nil
	case Pending:
		done := s.done
		c.mu.Unlock()
		metrics.IncCache("wait")
		return c.wait(ctx, page, done)
	}
	done := c.begin(s)
	c.mu.Unlock()
	metrics.IncCache("miss")

	go c.extract(page)
	return c.wait(ctx, page, done)
}

// Warm starts extraction of page in the background if its slot is Empty.
// It reports whether work was started.
func (c *Cache) Warm(page int) bool {
	if page < 1 || page > len(c.slots) {
		return false
	}
	c.mu.Lock()
	s := &c.slots[page-1]
	if s.state != Empty {
		c.mu.Unlock()
		return false
	}
	c.begin(s)
	c.mu.Unlock()

	go c.extract(page)
	return true
}

// begin moves a slot to Pending. Caller holds c.mu.
func (c *Cache) begin(s *slot) chan struct{} {
	s.state = Pending
	s.done = make(chan struct{})
	return s.done
}

func (c *Cache) wait(ctx context.Context, page int, done <-chan struct{}) (string, error) {
	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[page-1].text, nil
}

// extract runs detached from any requester so that an abandoned wait never
// cancels work whose result is still useful.
func (c *Cache) extract(page int) {
	ctx := context.Background()
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	text, err := c.run(ctx, page)
	if err != nil {
		log.Error().Err(err).Int("page", page).Msg("page extraction failed, resolving empty")
		text = ""
	}

	c.mu.Lock()
	s := &c.slots[page-1]
	s.text = text
	s.state = Resolved
	c.resolved++
	resolved, total := c.resolved, len(c.slots)
	close(s.done)
	c.notifyMu.Lock()
	c.mu.Unlock()

	if c.opts.Observer != nil {
		c.opts.Observer(resolved, total)
	}
	c.notifyMu.Unlock()
	if c.opts.Sink != nil && err == nil {
		if serr := c.opts.Sink.SavePageText(context.Background(), page, text, c.opts.Source); serr != nil {
			log.Warn().Err(serr).Int("page", page).Msg("failed to persist page text")
		}
	}
}

func (c *Cache) run(ctx context.Context, page int) (string, error) {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic extracting page %d: %v", page, r)}
			}
		}()
		t, e := c.extractor.ExtractPage(ctx, page)
		ch <- result{t, e}
	}()

	// The extractor may ignore ctx; the slot still resolves on deadline.
	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("extract page %d: %w", page, ctx.Err())
	}
}
