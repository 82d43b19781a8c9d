// Package prefetch warms the page cache ahead of the read cursor.
package prefetch

import (
	"github.com/rs/zerolog/log"

	"github.com/local/pagereader/internal/metrics"
	"github.com/local/pagereader/internal/pagecache"
)

// DefaultWindow is the number of pages warmed past the cursor.
const DefaultWindow = 2

// Warmer is the part of the cache the scheduler needs.
type Warmer interface {
	Total() int
	State(page int) pagecache.State
	Warm(page int) bool
}

// Scheduler issues background extractions for upcoming pages.
type Scheduler struct {
	cache  Warmer
	window int
}

// New returns a scheduler with window pages of lookahead; window <= 0 uses
// DefaultWindow.
func New(cache Warmer, window int) *Scheduler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Scheduler{cache: cache, window: window}
}

// Prefetch warms pages from+1..from+window that have never been requested.
// It never waits and returns the number of extractions started.
func (s *Scheduler) Prefetch(from int) int {
	total := s.cache.Total()
	started := 0
	for i := 1; i <= s.window; i++ {
		page := from + i
		if page > total {
			break
		}
		if s.cache.State(page) != pagecache.Empty {
			continue
		}
		if s.cache.Warm(page) {
			started++
			metrics.IncPrefetch()
		}
	}
	if started > 0 {
		log.Debug().Int("from", from).Int("started", started).Msg("prefetch issued")
	}
	return started
}
