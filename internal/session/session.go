// Package session ties one opened document to its page cache, prefetcher and
// playback machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pagereader/internal/metrics"
	"github.com/local/pagereader/internal/narration"
	"github.com/local/pagereader/internal/ocr"
	"github.com/local/pagereader/internal/pagecache"
	"github.com/local/pagereader/internal/playback"
	"github.com/local/pagereader/internal/prefetch"
	"github.com/local/pagereader/internal/source"
	"github.com/local/pagereader/internal/store"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Document is an open document a session reads from.
type Document interface {
	source.Renderer
	io.Closer
}

// Viewer is notified when a page is displayed and when its text is known.
type Viewer interface {
	ShowPage(sessionID string, page int)
	ShowText(sessionID string, page int, text string)
}

// Stores are the optional persistence backends.
type Stores struct {
	Pages    *store.PageStore
	Progress *store.ProgressStore
	Status   *store.StatusStore
}

// Options configures a Session.
type Options struct {
	Title          string
	Scale          float64
	LanguageHints  []string
	ExtractTimeout time.Duration
	PrefetchWindow int
	Playback       playback.Options // PageCount and StartPage are set by Open
	Recognizer     ocr.Recognizer
	Engine         narration.Engine
	Stores         Stores
	Viewer         Viewer
}

// Session is one opened document.
type Session struct {
	id     string
	docID  string
	title  string
	opened time.Time

	doc      Document
	mode     source.Mode
	adapter  *source.Adapter
	cache    *pagecache.Cache
	prefetch *prefetch.Scheduler
	machine  *playback.Machine
	engine   narration.Engine
	viewer   Viewer
	stores   Stores
	scale    float64

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	current int
	closed  bool

	// latest status still to be written; drained by writeStatus
	statusMu     sync.Mutex
	statusWake   chan struct{}
	statusDone   chan struct{}
	pendResolved *int
	pendPlayback *playback.Snapshot
}

var docIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9\x{4e00}-\x{9fff}]`)

// DocID derives the persistent document key from its title.
func DocID(title string) string {
	return "mybooks_" + docIDUnsafe.ReplaceAllString(title, "_")
}

// Open creates a session for doc and starts its playback loop. The session
// takes ownership of doc and, if it implements io.Closer, of the engine.
func Open(ctx context.Context, doc Document, opts Options) (*Session, error) {
	if doc == nil {
		return nil, fmt.Errorf("session: document is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("session: narration engine is required")
	}
	total := doc.PageCount()
	if total <= 0 {
		return nil, fmt.Errorf("session: document has no pages")
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = "untitled"
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		docID:   DocID(title),
		title:   title,
		opened:  time.Now(),
		doc:     doc,
		engine:  opts.Engine,
		viewer:  opts.Viewer,
		stores:  opts.Stores,
		scale:   opts.Scale,
		runCtx:  runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		current: 1,

		statusWake: make(chan struct{}, 1),
		statusDone: make(chan struct{}),
	}
	if s.scale <= 0 {
		s.scale = 2.0
	}

	s.mode = source.DetectMode(ctx, doc)
	if s.mode == source.Scanned && opts.Recognizer == nil {
		log.Warn().Str("session_id", s.id).Msg("scanned document without recognizer, pages will be empty")
	}
	s.adapter = source.NewAdapter(doc, opts.Recognizer, source.Options{
		Mode:          s.mode,
		Scale:         s.scale,
		LanguageHints: opts.LanguageHints,
	})

	cacheOpts := pagecache.Options{
		Timeout:  opts.ExtractTimeout,
		Source:   s.mode.String(),
		Observer: s.onCache,
	}
	if s.stores.Pages != nil {
		cacheOpts.Sink = s.stores.Pages.For(s.docID)
	}
	s.cache = pagecache.New(total, pagecache.ExtractorFunc(s.extract), cacheOpts)
	s.prefetch = prefetch.New(s.cache, opts.PrefetchWindow)

	start := 1
	var progress playback.ProgressSink
	if s.stores.Progress != nil {
		p := s.stores.Progress.For(s.docID)
		progress = p
		pos, ok, err := p.LoadPosition(ctx)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("doc_id", s.docID).Msg("failed to load reading position")
		case ok && pos.Page <= total:
			start = pos.Page
			log.Info().Str("doc_id", s.docID).Int("page", start).Msg("resuming saved position")
		}
	}

	popts := opts.Playback
	popts.PageCount = total
	popts.StartPage = start
	popts.OnChange = s.onPlayback
	s.machine = playback.New(playback.Dependencies{
		Engine:   opts.Engine,
		Text:     s.cache,
		Display:  s,
		Prefetch: s.prefetch,
		Progress: progress,
	}, popts)

	go func() {
		defer close(s.done)
		if err := s.machine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("session_id", s.id).Msg("playback loop exited")
		}
	}()

	metrics.SetCachePages(s.id, 0, total)
	if s.stores.Status != nil {
		st := store.DocStatus{Title: title, Mode: s.mode.String(), Pages: total, Playback: playback.Idle.String(), Page: start, SessionID: s.id}
		if err := s.stores.Status.Set(ctx, s.docID, st); err != nil {
			log.Warn().Err(err).Str("doc_id", s.docID).Msg("failed to record document status")
		}
	}
	// started after the initial Set so incremental updates land on top of it
	if s.stores.Status != nil {
		go s.writeStatus()
	} else {
		close(s.statusDone)
	}
	log.Info().
		Str("session_id", s.id).
		Str("doc_id", s.docID).
		Str("title", title).
		Int("pages", total).
		Str("mode", s.mode.String()).
		Msg("session opened")

	s.ShowPage(ctx, start)
	return s, nil
}

// extract serves persisted text first so reopened documents skip extraction.
func (s *Session) extract(ctx context.Context, page int) (string, error) {
	if s.stores.Pages != nil {
		text, ok, err := s.stores.Pages.GetPageText(ctx, s.docID, page)
		if err != nil {
			log.Warn().Err(err).Int("page", page).Msg("page store lookup failed")
		} else if ok {
			return text, nil
		}
	}
	return s.adapter.ExtractPage(ctx, page)
}

func (s *Session) ID() string { return s.id }
func (s *Session) DocID() string { return s.docID }
func (s *Session) Title() string { return s.title }
func (s *Session) Mode() source.Mode { return s.mode }
func (s *Session) PageCount() int { return s.cache.Total() }
func (s *Session) Playback() *playback.Machine { return s.machine }

// ShowPage implements playback.Display: it records the displayed page,
// notifies the viewer, then resolves the text in the background and
// prefetches ahead of it.
func (s *Session) ShowPage(ctx context.Context, page int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.current = page
	s.mu.Unlock()

	if s.viewer != nil {
		s.viewer.ShowPage(s.id, page)
	}
	go func() {
		text, err := s.cache.GetPageText(s.runCtx, page)
		if err != nil {
			return
		}
		if s.viewer != nil {
			s.viewer.ShowText(s.id, page, text)
		}
		s.prefetch.Prefetch(page)
	}()
}

// PageText returns the text of page, waiting for extraction if needed.
func (s *Session) PageText(ctx context.Context, page int) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	text, err := s.cache.GetPageText(ctx, page)
	if err != nil {
		return "", err
	}
	s.prefetch.Prefetch(page)
	return text, nil
}

// PageImage renders page as JPEG.
func (s *Session) PageImage(ctx context.Context, page int) (source.Image, error) {
	if s.isClosed() {
		return source.Image{}, ErrClosed
	}
	if page < 1 || page > s.PageCount() {
		return source.Image{}, fmt.Errorf("%w: %d", pagecache.ErrPageOutOfRange, page)
	}
	return s.doc.RenderJPEG(ctx, page, s.scale)
}

// PageState reports the cache state of one page.
type PageState struct {
	Page  int    `json:"page"`
	State string `json:"state"`
}

// Info is a point-in-time view of the session.
type Info struct {
	SessionID string            `json:"session_id"`
	DocID     string            `json:"doc_id"`
	Title     string            `json:"title"`
	Mode      string            `json:"mode"`
	Pages     int               `json:"pages"`
	Resolved  int               `json:"resolved"`
	Displayed int               `json:"displayed_page"`
	Playback  playback.Snapshot `json:"playback"`
	OpenedAt  time.Time         `json:"opened_at"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	return Info{
		SessionID: s.id,
		DocID:     s.docID,
		Title:     s.title,
		Mode:      s.mode.String(),
		Pages:     s.cache.Total(),
		Resolved:  s.cache.Resolved(),
		Displayed: current,
		Playback:  s.machine.Snapshot(),
		OpenedAt:  s.opened,
	}
}

// PageStates lists the cache state of every page.
func (s *Session) PageStates() []PageState {
	out := make([]PageState, 0, s.cache.Total())
	for p := 1; p <= s.cache.Total(); p++ {
		out = append(out, PageState{Page: p, State: s.cache.State(p).String()})
	}
	return out
}

// BookPage is one page of an exported book.
type BookPage struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// Book is the exported text of a document. Pages not yet resolved have
// empty text.
type Book struct {
	Title      string     `json:"title"`
	TotalPages int        `json:"totalPages"`
	SavedAt    time.Time  `json:"savedAt"`
	Pages      []BookPage `json:"pages"`
}

// Export returns the resolved text of every page without starting work.
func (s *Session) Export() Book {
	b := Book{Title: s.title, TotalPages: s.cache.Total(), SavedAt: time.Now().UTC()}
	for p := 1; p <= s.cache.Total(); p++ {
		text, _ := s.cache.Peek(p)
		b.Pages = append(b.Pages, BookPage{Page: p, Text: text})
	}
	return b
}

func (s *Session) onCache(resolved, total int) {
	metrics.SetCachePages(s.id, resolved, total)
	log.Debug().Str("session_id", s.id).Int("resolved", resolved).Int("total", total).Msg("cache status")
	if s.stores.Status == nil {
		return
	}
	s.statusMu.Lock()
	s.pendResolved = &resolved
	s.statusMu.Unlock()
	s.wakeStatus()
}

func (s *Session) onPlayback(snap playback.Snapshot) {
	if s.stores.Status == nil {
		return
	}
	s.statusMu.Lock()
	s.pendPlayback = &snap
	s.statusMu.Unlock()
	s.wakeStatus()
}

func (s *Session) wakeStatus() {
	select {
	case s.statusWake <- struct{}{}:
	default:
	}
}

// writeStatus is the only writer of the status store for this session. It
// always writes the newest pending values, so stored state never goes back.
func (s *Session) writeStatus() {
	defer close(s.statusDone)
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-s.statusWake:
		}
		s.statusMu.Lock()
		resolved, snap := s.pendResolved, s.pendPlayback
		s.pendResolved, s.pendPlayback = nil, nil
		s.statusMu.Unlock()

		if resolved != nil {
			if err := s.stores.Status.SetResolved(s.runCtx, s.docID, *resolved); err != nil && s.runCtx.Err() == nil {
				log.Warn().Err(err).Str("doc_id", s.docID).Msg("failed to record cache status")
			}
		}
		if snap != nil {
			if err := s.stores.Status.SetPlayback(s.runCtx, s.docID, snap.Status.String(), snap.Page); err != nil && s.runCtx.Err() == nil {
				log.Warn().Err(err).Str("doc_id", s.docID).Msg("failed to record playback status")
			}
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops playback and releases the document. In-flight extractions
// finish in the background and are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	<-s.statusDone
	metrics.DropSession(s.id)

	var errs []error
	if c, ok := s.engine.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if err := s.doc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close document: %w", err))
	}
	log.Info().Str("session_id", s.id).Str("doc_id", s.docID).Msg("session closed")
	return errors.Join(errs...)
}
