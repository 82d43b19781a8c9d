// Package playback drives continuous page-by-page narration. All state is
// owned by a single event loop fed by commands, narration engine events and
// completions of its own background work.
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagereader/internal/metrics"
	"github.com/local/pagereader/internal/narration"
)

var (
	// ErrNotRunning is returned by commands after Run has returned.
	ErrNotRunning = errors.New("playback machine not running")
	// ErrInvalidPage is returned by Seek for pages outside the document.
	ErrInvalidPage = errors.New("invalid page")
	// ErrInvalidRate is returned by SetRate for non-positive rates.
	ErrInvalidRate = errors.New("invalid speech rate")
)

// Status of the playback cursor.
type Status int

const (
	Idle Status = iota
	Reading
	Paused
	Done
)

func (s Status) String() string {
	switch s {
	case Reading:
		return "reading"
	case Paused:
		return "paused"
	case Done:
		return "done"
	default:
		return "idle"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TextSource resolves page text.
type TextSource interface {
	GetPageText(ctx context.Context, page int) (string, error)
}

// Display shows a page to the reader. It must not block for long.
type Display interface {
	ShowPage(ctx context.Context, page int)
}

// Prefetcher warms pages after from.
type Prefetcher interface {
	Prefetch(from int) int
}

// ProgressSink is told the cursor page on every page change.
type ProgressSink interface {
	SavePosition(ctx context.Context, page int) error
}

// Options configures a Machine.
type Options struct {
	PageCount int
	StartPage int     // initial cursor, 1 when out of range
	Rate      float64 // 1.0 when zero
	Voice     string  // preferred voice name, empty for automatic
	Language  string  // zh-TW when empty
	Style     narration.Style

	SkipDelay    time.Duration // before reading the page after a blank one
	AdvanceDelay time.Duration // before reading the next page
	RestartDelay time.Duration // before re-reading after a rate or voice change

	// OnChange is called from the event loop after every state change. It
	// must not block.
	OnChange func(Snapshot)
}

// DefaultOptions returns the standard delays and narration settings.
func DefaultOptions(pageCount int) Options {
	return Options{
		PageCount:    pageCount,
		StartPage:    1,
		Rate:         1.0,
		Language:     "zh-TW",
		Style:        narration.Plain{},
		SkipDelay:    400 * time.Millisecond,
		AdvanceDelay: 500 * time.Millisecond,
		RestartDelay: 150 * time.Millisecond,
	}
}

// Snapshot is a consistent view of the machine state.
type Snapshot struct {
	Status    Status  `json:"status"`
	Page      int     `json:"page"`
	PageCount int     `json:"page_count"`
	Rate      float64 `json:"rate"`
	Voice     string  `json:"voice"`
	Style     string  `json:"style"`
}

// Dependencies are the collaborators of a Machine. Display, Prefetch and
// Progress are optional.
type Dependencies struct {
	Engine   narration.Engine
	Text     TextSource
	Display  Display
	Prefetch Prefetcher
	Progress ProgressSink
}

type cmdKind int

const (
	cmdPlay cmdKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdToggle
	cmdNext
	cmdPrev
	cmdSeek
	cmdRate
	cmdVoice
)

var cmdNames = map[cmdKind]string{
	cmdPlay: "play", cmdPause: "pause", cmdResume: "resume", cmdStop: "stop",
	cmdToggle: "toggle", cmdNext: "next", cmdPrev: "prev", cmdSeek: "seek",
	cmdRate: "rate", cmdVoice: "voice",
}

type command struct {
	kind  cmdKind
	page  int
	rate  float64
	voice string
	reply chan error
}

// internal events posted by background work, tagged with the generation
// that started it
type textReady struct {
	gen  uint64
	page int
	text string
	err  error
}

type readDue struct {
	gen uint64
}

// pageChange is the side effect sequence of one cursor move, applied in
// cursor order by a single worker.
type pageChange struct {
	page     int
	prefetch bool
	read     bool // post a readDue for gen after delay
	delay    time.Duration
	gen      uint64
}

// Machine is the playback state machine.
type Machine struct {
	deps Dependencies
	opts Options

	cmds     chan command
	internal chan any
	changes  chan pageChange
	done     chan struct{}
	runOnce  sync.Once

	// loop-owned
	ctx       context.Context
	status    Status
	page      int
	gen       uint64
	nextID    uint64
	utterance uint64 // active utterance, 0 when none
	skipped   bool   // blank page already skipped; Idle while set means the hop is pending
	needsRead bool   // paused before an utterance started
	rate      float64
	voice     string

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a machine. Run must be called to process commands.
func New(deps Dependencies, opts Options) *Machine {
	if !validRate(opts.Rate) {
		opts.Rate = 1.0
	}
	if opts.Language == "" {
		opts.Language = "zh-TW"
	}
	if opts.Style == nil {
		opts.Style = narration.Plain{}
	}
	if opts.StartPage < 1 || opts.StartPage > opts.PageCount {
		opts.StartPage = 1
	}
	m := &Machine{
		deps:     deps,
		opts:     opts,
		cmds:     make(chan command),
		internal: make(chan any, 8),
		changes:  make(chan pageChange, 32),
		done:     make(chan struct{}),
		status:   Idle,
		page:     opts.StartPage,
		rate:     opts.Rate,
		voice:    opts.Voice,
	}
	m.snap = m.snapshot()
	return m
}

// Snapshot returns the latest published state.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Run processes events until ctx is done. It may be called once.
func (m *Machine) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("playback machine already started")
	}
	m.ctx = ctx
	defer close(m.done)
	defer func() {
		if err := m.deps.Engine.Cancel(); err != nil {
			log.Warn().Err(err).Msg("narration cancel on shutdown failed")
		}
	}()

	go m.applyChanges()

	events := m.deps.Engine.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-m.cmds:
			c.reply <- m.handle(c)
		case ev := <-events:
			m.onEngine(ev)
		case ev := <-m.internal:
			switch ev := ev.(type) {
			case textReady:
				m.onText(ev)
			case readDue:
				if ev.gen != m.gen {
					break
				}
				switch {
				case m.status == Reading:
					m.read()
				case m.status == Idle && m.skipped:
					m.setStatus(Reading)
					m.publish()
					m.read()
				}
			}
		}
	}
}

func (m *Machine) Play(ctx context.Context) error   { return m.send(ctx, command{kind: cmdPlay}) }
func (m *Machine) Pause(ctx context.Context) error  { return m.send(ctx, command{kind: cmdPause}) }
func (m *Machine) Resume(ctx context.Context) error { return m.send(ctx, command{kind: cmdResume}) }
func (m *Machine) Stop(ctx context.Context) error   { return m.send(ctx, command{kind: cmdStop}) }
func (m *Machine) Toggle(ctx context.Context) error { return m.send(ctx, command{kind: cmdToggle}) }
func (m *Machine) Next(ctx context.Context) error   { return m.send(ctx, command{kind: cmdNext}) }
func (m *Machine) Prev(ctx context.Context) error   { return m.send(ctx, command{kind: cmdPrev}) }

// Seek stops narration and moves the cursor to page.
func (m *Machine) Seek(ctx context.Context, page int) error {
	return m.send(ctx, command{kind: cmdSeek, page: page})
}

// SetRate changes the speech rate, restarting the current page if reading.
func (m *Machine) SetRate(ctx context.Context, rate float64) error {
	return m.send(ctx, command{kind: cmdRate, rate: rate})
}

// SetVoice changes the preferred voice, restarting the current page if
// reading. An empty name selects automatically.
func (m *Machine) SetVoice(ctx context.Context, name string) error {
	return m.send(ctx, command{kind: cmdVoice, voice: name})
}

func (m *Machine) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case <-m.done:
		return ErrNotRunning
	default:
	}
	select {
	case m.cmds <- c:
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-m.done:
		return ErrNotRunning
	}
}

func (m *Machine) handle(c command) error {
	log.Debug().Str("command", cmdNames[c.kind]).Str("status", m.status.String()).Int("page", m.page).Msg("playback command")
	switch c.kind {
	case cmdPlay:
		m.play()
	case cmdPause:
		m.pause()
	case cmdResume:
		m.resume()
	case cmdStop:
		m.stop()
	case cmdToggle:
		switch m.status {
		case Reading:
			m.pause()
		case Paused:
			m.resume()
		default:
			m.play()
		}
	case cmdNext:
		if m.page < m.opts.PageCount {
			m.jump(m.page + 1)
		}
	case cmdPrev:
		if m.page > 1 {
			m.jump(m.page - 1)
		}
	case cmdSeek:
		if c.page < 1 || c.page > m.opts.PageCount {
			return fmt.Errorf("%w: %d not in 1..%d", ErrInvalidPage, c.page, m.opts.PageCount)
		}
		m.jump(c.page)
	case cmdRate:
		if !validRate(c.rate) {
			return fmt.Errorf("%w: %v", ErrInvalidRate, c.rate)
		}
		m.rate = c.rate
		m.restart()
	case cmdVoice:
		m.voice = strings.TrimSpace(c.voice)
		m.restart()
	}
	m.publish()
	return nil
}

// play starts reading the cursor page from Idle or Done; Paused resumes.
func (m *Machine) play() {
	switch m.status {
	case Reading:
		return
	case Paused:
		m.resume()
		return
	}
	m.cancelEngine()
	m.skipped = false
	m.setStatus(Reading)
	m.read()
}

func (m *Machine) pause() {
	if m.status == Idle && m.skipped {
		// blank page hop in progress: drop it and stay Idle
		m.gen++
		m.skipped = false
		return
	}
	if m.status != Reading {
		return
	}
	if m.utterance != 0 {
		if err := m.deps.Engine.Pause(); err != nil {
			log.Warn().Err(err).Msg("narration pause failed")
		}
		m.needsRead = false
	} else {
		// between utterances: drop the pending fetch or delayed read
		m.gen++
		m.needsRead = true
	}
	m.setStatus(Paused)
}

func (m *Machine) resume() {
	if m.status != Paused {
		return
	}
	m.setStatus(Reading)
	if m.needsRead {
		m.needsRead = false
		m.read()
		return
	}
	if err := m.deps.Engine.Resume(); err != nil {
		log.Warn().Err(err).Msg("narration resume failed")
	}
}

func (m *Machine) stop() {
	m.cancelEngine()
	m.needsRead = false
	m.skipped = false
	m.setStatus(Idle)
}

// jump stops narration and moves the cursor.
func (m *Machine) jump(page int) {
	m.stop()
	m.page = page
	m.changePage(pageChange{page: page})
}

// restart re-reads the current page after a settings change.
func (m *Machine) restart() {
	if m.status != Reading {
		return
	}
	m.cancelEngine()
	m.after(m.opts.RestartDelay, m.gen)
}

// read fetches the cursor page; the result arrives as textReady.
func (m *Machine) read() {
	m.gen++
	gen, page := m.gen, m.page
	ctx := m.ctx
	go func() {
		text, err := m.deps.Text.GetPageText(ctx, page)
		m.post(textReady{gen: gen, page: page, text: text, err: err})
	}()
}

func (m *Machine) onText(ev textReady) {
	if ev.gen != m.gen || m.status != Reading || ev.page != m.page {
		return
	}
	if ev.err != nil {
		log.Error().Err(ev.err).Int("page", ev.page).Msg("page text unavailable, stopping")
		m.stop()
		m.publish()
		return
	}
	if strings.TrimSpace(ev.text) == "" {
		if m.skipped || m.page >= m.opts.PageCount {
			log.Warn().Int("page", m.page).Msg("page has no text, stopping")
			m.stop()
			m.publish()
			return
		}
		log.Warn().Int("page", m.page).Msg("page has no text, skipping to next page")
		m.page++
		m.advance(m.page, m.opts.SkipDelay, false)
		m.setStatus(Idle)
		m.skipped = true
		m.publish()
		return
	}

	m.skipped = false
	text, opts := m.opts.Style.Build(ev.text, narration.Options{
		Rate:     m.rate,
		Pitch:    1.0,
		Voice:    m.pickVoice(),
		Language: m.opts.Language,
	})
	m.nextID++
	u := narration.Utterance{ID: m.nextID, Text: text, Options: opts}
	if err := m.deps.Engine.Speak(m.ctx, u); err != nil {
		log.Error().Err(err).Int("page", m.page).Msg("narration failed to start")
		metrics.IncNarrationError()
		m.stop()
		m.publish()
		return
	}
	m.utterance = u.ID
	log.Info().Int("page", m.page).Uint64("utterance", u.ID).Int("chars", len([]rune(ev.text))).Msg("narrating page")
}

func (m *Machine) onEngine(ev narration.Event) {
	if ev.UtteranceID == 0 || ev.UtteranceID != m.utterance {
		return
	}
	switch ev.Kind {
	case narration.EventStart:
		m.prefetch(m.page)
	case narration.EventEnd:
		m.utterance = 0
		if m.status == Paused {
			// engine finished while paused; read the next page on resume
			m.needsRead = true
		}
		if m.page >= m.opts.PageCount {
			log.Info().Int("page", m.page).Msg("reached last page")
			m.setStatus(Done)
			m.publish()
			return
		}
		m.page++
		if m.status == Reading {
			m.advance(m.page, m.opts.AdvanceDelay, true)
		} else {
			m.changePage(pageChange{page: m.page})
		}
		m.publish()
	case narration.EventError:
		log.Error().Str("reason", ev.Reason).Int("page", m.page).Msg("narration error")
		m.stop()
		m.publish()
	}
}

// advance runs the page change sequence for page in order: display,
// prefetch, progress save, then a delayed read.
func (m *Machine) advance(page int, delay time.Duration, prefetch bool) {
	m.gen++
	m.changePage(pageChange{page: page, prefetch: prefetch, read: true, delay: delay, gen: m.gen})
}

func (m *Machine) changePage(c pageChange) {
	select {
	case m.changes <- c:
	case <-m.ctx.Done():
	}
}

// applyChanges runs page change side effects one at a time so the last
// displayed and saved page is always the cursor.
func (m *Machine) applyChanges() {
	for {
		select {
		case c := <-m.changes:
			m.show(c.page)
			if c.prefetch {
				m.prefetch(c.page)
			}
			m.saveProgress(c.page)
			if c.read {
				m.after(c.delay, c.gen)
			}
		case <-m.done:
			return
		}
	}
}

func (m *Machine) after(delay time.Duration, gen uint64) {
	go func() {
		m.sleep(delay)
		m.post(readDue{gen: gen})
	}()
}

func (m *Machine) cancelEngine() {
	m.gen++
	if err := m.deps.Engine.Cancel(); err != nil {
		log.Warn().Err(err).Msg("narration cancel failed")
	}
	m.utterance = 0
}

func (m *Machine) pickVoice() string {
	if l, ok := m.deps.Engine.(narration.VoiceLister); ok {
		if v, ok := narration.SelectVoice(l.Voices(), m.voice, m.opts.Language); ok {
			return v.Name
		}
		return ""
	}
	return m.voice
}

func (m *Machine) show(page int) {
	if m.deps.Display != nil {
		m.deps.Display.ShowPage(m.ctx, page)
	}
}

func (m *Machine) prefetch(from int) {
	if m.deps.Prefetch != nil {
		m.deps.Prefetch.Prefetch(from)
	}
}

func (m *Machine) saveProgress(page int) {
	if m.deps.Progress == nil {
		return
	}
	if err := m.deps.Progress.SavePosition(m.ctx, page); err != nil {
		log.Warn().Err(err).Int("page", page).Msg("failed to save reading position")
	}
}

func validRate(r float64) bool {
	return r > 0 && !math.IsNaN(r) && !math.IsInf(r, 0)
}

func (m *Machine) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.done:
	}
}

func (m *Machine) post(ev any) {
	select {
	case m.internal <- ev:
	case <-m.done:
	}
}

func (m *Machine) setStatus(s Status) {
	if s == m.status {
		return
	}
	metrics.Transition(m.status.String(), s.String())
	log.Info().Str("from", m.status.String()).Str("to", s.String()).Int("page", m.page).Msg("playback status")
	m.status = s
}

func (m *Machine) snapshot() Snapshot {
	return Snapshot{
		Status:    m.status,
		Page:      m.page,
		PageCount: m.opts.PageCount,
		Rate:      m.rate,
		Voice:     m.voice,
		Style:     m.opts.Style.Name(),
	}
}

func (m *Machine) publish() {
	s := m.snapshot()
	m.snapMu.Lock()
	changed := s != m.snap
	m.snap = s
	m.snapMu.Unlock()
	if changed && m.opts.OnChange != nil {
		m.opts.OnChange(s)
	}
}
