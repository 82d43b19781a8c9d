package playback

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/local/pagereader/internal/narration"
)

type fakeEngine struct {
	mu       sync.Mutex
	speakCh  chan narration.Utterance
	events   chan narration.Event
	pauses   int
	resumes  int
	cancels  int
	speakErr error
	voices   []narration.Voice
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		speakCh: make(chan narration.Utterance, 16),
		events:  make(chan narration.Event),
	}
}

func (f *fakeEngine) Speak(ctx context.Context, u narration.Utterance) error {
	f.mu.Lock()
	err := f.speakErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.speakCh <- u
	return nil
}

func (f *fakeEngine) Pause() error  { f.mu.Lock(); f.pauses++; f.mu.Unlock(); return nil }
func (f *fakeEngine) Resume() error { f.mu.Lock(); f.resumes++; f.mu.Unlock(); return nil }
func (f *fakeEngine) Cancel() error { f.mu.Lock(); f.cancels++; f.mu.Unlock(); return nil }

func (f *fakeEngine) Events() <-chan narration.Event { return f.events }

func (f *fakeEngine) counts() (pauses, resumes, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses, f.resumes, f.cancels
}

type voiceEngine struct{ *fakeEngine }

func (v voiceEngine) Voices() []narration.Voice { return v.voices }

type fakeText struct {
	mu    sync.Mutex
	pages map[int]string
	calls map[int]int
}

func (f *fakeText) GetPageText(ctx context.Context, page int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[int]int{}
	}
	f.calls[page]++
	return f.pages[page], nil
}

func (f *fakeText) callsFor(page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[page]
}

type recorder struct {
	mu        sync.Mutex
	shown     []int
	prefetch  []int
	positions []int
}

func (r *recorder) ShowPage(ctx context.Context, page int) {
	r.mu.Lock()
	r.shown = append(r.shown, page)
	r.mu.Unlock()
}

func (r *recorder) Prefetch(from int) int {
	r.mu.Lock()
	r.prefetch = append(r.prefetch, from)
	r.mu.Unlock()
	return 0
}

func (r *recorder) SavePosition(ctx context.Context, page int) error {
	r.mu.Lock()
	r.positions = append(r.positions, page)
	r.mu.Unlock()
	return nil
}

func (r *recorder) has(list func(*recorder) []int, page int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range list(r) {
		if p == page {
			return true
		}
	}
	return false
}

func shown(r *recorder) []int     { return r.shown }
func prefetched(r *recorder) []int { return r.prefetch }
func saved(r *recorder) []int     { return r.positions }

type harness struct {
	m    *Machine
	eng  *fakeEngine
	text *fakeText
	rec  *recorder
}

func start(t *testing.T, pages map[int]string, count int, mutate func(*Options, *Dependencies)) *harness {
	t.Helper()
	h := &harness{eng: newFakeEngine(), text: &fakeText{pages: pages}, rec: &recorder{}}
	opts := DefaultOptions(count)
	opts.SkipDelay, opts.AdvanceDelay, opts.RestartDelay = 0, 0, 0
	deps := Dependencies{Engine: h.eng, Text: h.text, Display: h.rec, Prefetch: h.rec, Progress: h.rec}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	h.m = New(deps, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return h
}

func (h *harness) speak(t *testing.T) narration.Utterance {
	t.Helper()
	select {
	case u := <-h.eng.speakCh:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Speak")
		return narration.Utterance{}
	}
}

func (h *harness) noSpeak(t *testing.T) {
	t.Helper()
	select {
	case u := <-h.eng.speakCh:
		t.Fatalf("unexpected Speak(%q)", u.Text)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) emit(kind narration.EventKind, id uint64) {
	h.eng.events <- narration.Event{Kind: kind, UtteranceID: id, Reason: "synthetic"}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", what)
}

func (h *harness) waitStatus(t *testing.T, want Status) Snapshot {
	t.Helper()
	var s Snapshot
	eventually(t, "status "+want.String(), func() bool {
		s = h.m.Snapshot()
		return s.Status == want
	})
	return s
}

func TestMachine_ReadsThroughToDone(t *testing.T) {
	ctx := context.Background()
	h := start(t, map[int]string{1: "甲", 2: "乙", 3: "丙"}, 3, nil)

	if err := h.m.Play(ctx); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	for page, want := range []string{"甲", "乙", "丙"} {
		u := h.speak(t)
		if u.Text != want {
			t.Fatalf("page %d: Speak(%q), want %q", page+1, u.Text, want)
		}
		if u.Language != "zh-TW" || u.Rate != 1.0 {
			t.Errorf("utterance options = %+v", u.Options)
		}
		h.emit(narration.EventStart, u.ID)
		if got := h.m.Snapshot(); got.Status != Reading || got.Page != page+1 {
			t.Errorf("snapshot = %+v, want reading page %d", got, page+1)
		}
		h.emit(narration.EventEnd, u.ID)
	}

	s := h.waitStatus(t, Done)
	if s.Page != 3 {
		t.Errorf("page = %d at done, want 3", s.Page)
	}
	h.noSpeak(t)

	eventually(t, "advance side effects", func() bool {
		return h.rec.has(shown, 2) && h.rec.has(shown, 3) && h.rec.has(saved, 2) && h.rec.has(saved, 3)
	})
	for _, p := range []int{1, 2, 3} {
		if !h.rec.has(prefetched, p) {
			t.Errorf("no prefetch from page %d", p)
		}
	}
}

func TestMachine_AdvanceOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	log := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	h := start(t, map[int]string{1: "甲", 2: "乙"}, 2, func(o *Options, d *Dependencies) {
		d.Display = displayFunc(func(p int) { log("display") })
		d.Prefetch = prefetchFunc(func(p int) { log("prefetch") })
		d.Progress = progressFunc(func(p int) { log("save") })
	})

	_ = h.m.Play(context.Background())
	u := h.speak(t)
	h.emit(narration.EventEnd, u.ID)
	if got := h.speak(t); got.Text != "乙" {
		t.Fatalf("Speak(%q), want 乙", got.Text)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"display", "prefetch", "save"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

type displayFunc func(int)

func (f displayFunc) ShowPage(_ context.Context, p int) { f(p) }

type prefetchFunc func(int)

func (f prefetchFunc) Prefetch(p int) int { f(p); return 0 }

type progressFunc func(int)

func (f progressFunc) SavePosition(_ context.Context, p int) error { f(p); return nil }

func TestMachine_AutoSkip(t *testing.T) {
	t.Run("single blank page skipped", func(t *testing.T) {
		h := start(t, map[int]string{1: "  ", 2: "乙"}, 3, nil)
		_ = h.m.Play(context.Background())
		if u := h.speak(t); u.Text != "乙" {
			t.Fatalf("Speak(%q), want 乙", u.Text)
		}
		if s := h.m.Snapshot(); s.Page != 2 || s.Status != Reading {
			t.Errorf("snapshot = %+v", s)
		}
	})

	t.Run("second blank page stops", func(t *testing.T) {
		h := start(t, map[int]string{1: "", 2: "", 3: "丙"}, 3, nil)
		_ = h.m.Play(context.Background())
		eventually(t, "page 2 fetched", func() bool { return h.text.callsFor(2) == 1 })
		s := h.waitStatus(t, Idle)
		if s.Page != 2 {
			t.Errorf("page = %d, want 2", s.Page)
		}
		h.noSpeak(t)
		if h.text.callsFor(3) != 0 {
			t.Errorf("page 3 fetched %d times, want 0", h.text.callsFor(3))
		}
	})

	t.Run("blank last page stops", func(t *testing.T) {
		h := start(t, map[int]string{1: ""}, 1, nil)
		_ = h.m.Play(context.Background())
		h.waitStatus(t, Idle)
		h.noSpeak(t)
	})
}

func TestMachine_PauseResume(t *testing.T) {
	ctx := context.Background()
	h := start(t, map[int]string{1: "甲", 2: "乙"}, 2, nil)

	_ = h.m.Play(ctx)
	u := h.speak(t)
	if err := h.m.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if s := h.m.Snapshot(); s.Status != Paused || s.Page != 1 {
		t.Fatalf("snapshot = %+v, want paused on page 1", s)
	}
	if err := h.m.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if s := h.m.Snapshot(); s.Status != Reading {
		t.Fatalf("status = %v, want reading", s.Status)
	}
	pauses, resumes, _ := h.eng.counts()
	if pauses != 1 || resumes != 1 {
		t.Errorf("engine pauses = %d resumes = %d, want 1, 1", pauses, resumes)
	}
	if h.text.callsFor(1) != 1 {
		t.Errorf("page 1 fetched %d times, want 1", h.text.callsFor(1))
	}
	h.noSpeak(t)

	// the original utterance continues
	h.emit(narration.EventEnd, u.ID)
	if got := h.speak(t); got.Text != "乙" {
		t.Errorf("Speak(%q), want 乙", got.Text)
	}
}

func TestMachine_Toggle(t *testing.T) {
	ctx := context.Background()
	h := start(t, map[int]string{1: "甲"}, 1, nil)

	_ = h.m.Toggle(ctx)
	h.speak(t)
	_ = h.m.Toggle(ctx)
	if s := h.m.Snapshot(); s.Status != Paused {
		t.Fatalf("status = %v after second toggle, want paused", s.Status)
	}
	_ = h.m.Toggle(ctx)
	if s := h.m.Snapshot(); s.Status != Reading {
		t.Fatalf("status = %v after third toggle, want reading", s.Status)
	}
}

func TestMachine_StopIgnoresStaleEvents(t *testing.T) {
	ctx := context.Background()
	h := start(t, map[int]string{1: "甲", 2: "乙"}, 2, nil)

	_ = h.m.Play(ctx)
	u := h.speak(t)
	if err := h.m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s := h.m.Snapshot(); s.Status != Idle || s.Page != 1 {
		t.Fatalf("snapshot = %+v, want idle on page 1", s)
	}
	if _, _, cancels := h.eng.counts(); cancels < 2 {
		t.Errorf("engine cancels = %d, want play and stop to cancel", cancels)
	}

	h.emit(narration.EventEnd, u.ID)
	h.noSpeak(t)
	if s := h.m.Snapshot(); s.Page != 1 || s.Status != Idle {
		t.Errorf("stale end moved the cursor: %+v", s)
	}
}

func TestMachine_EngineErrorForcesIdle(t *testing.T) {
	ctx := context.Background()
	h := start(t, map[int]string{1: "甲", 2: "乙"}, 2, nil)

	_ = h.m.Play(ctx)
	u := h.speak(t)
	h.emit(narration.EventError, u.ID)
	h.waitStatus(t, Idle)
	h.noSpeak(t)
	if s := h.m.Snapshot(); s.Page != 1 {
		t.Errorf("page = %d after error, want 1", s.Page)
	}

	h.eng.mu.Lock()
	h.eng.speakErr = errors.New("synthesis unavailable")
	h.eng.mu.Unlock()
	_ = h.m.Play(ctx)
	h.waitStatus(t, Idle)
}

func TestMachine_RateAndVoiceRestartSamePage(t *testing.T) {
	ctx := context.Background()
	h := start(t, map[int]string{1: "甲", 2: "乙"}, 2, nil)

	_ = h.m.Play(ctx)
	first := h.speak(t)
	if err := h.m.SetRate(ctx, 1.5); err != nil {
		t.Fatalf("SetRate() error = %v", err)
	}
	second := h.speak(t)
	if second.Text != "甲" || second.Rate != 1.5 || second.ID == first.ID {
		t.Fatalf("restart utterance = %+v", second)
	}

	h.emit(narration.EventEnd, first.ID)
	h.noSpeak(t)

	if err := h.m.SetVoice(ctx, "Meijia"); err != nil {
		t.Fatalf("SetVoice() error = %v", err)
	}
	third := h.speak(t)
	if third.Text != "甲" || third.Voice != "Meijia" {
		t.Fatalf("voice restart utterance = %+v", third)
	}
	if s := h.m.Snapshot(); s.Page != 1 || s.Rate != 1.5 || s.Voice != "Meijia" {
		t.Errorf("snapshot = %+v", s)
	}

	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := h.m.SetRate(ctx, bad); !errors.Is(err, ErrInvalidRate) {
			t.Errorf("SetRate(%v) error = %v, want ErrInvalidRate", bad, err)
		}
	}
	s := h.m.Snapshot()
	if s.Rate != 1.5 {
		t.Errorf("rate = %v after rejected changes, want 1.5", s.Rate)
	}
	if _, err := json.Marshal(s); err != nil {
		t.Errorf("json.Marshal(snapshot) error = %v", err)
	}
}

func TestMachine_RateWhileIdleDoesNotSpeak(t *testing.T) {
	h := start(t, map[int]string{1: "甲"}, 1, nil)
	_ = h.m.SetRate(context.Background(), 2)
	h.noSpeak(t)
	if s := h.m.Snapshot(); s.Rate != 2 || s.Status != Idle {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestMachine_Navigation(t *testing.T) {
	ctx := context.Background()
	h := start(t, map[int]string{1: "甲", 2: "乙", 3: "丙"}, 3, nil)

	_ = h.m.Play(ctx)
	h.speak(t)
	if err := h.m.Next(ctx); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if s := h.m.Snapshot(); s.Page != 2 || s.Status != Idle {
		t.Fatalf("after Next snapshot = %+v, want idle page 2", s)
	}
	_ = h.m.Next(ctx)
	_ = h.m.Next(ctx)
	if s := h.m.Snapshot(); s.Page != 3 {
		t.Errorf("Next past end: page = %d, want 3", s.Page)
	}
	_ = h.m.Prev(ctx)
	if s := h.m.Snapshot(); s.Page != 2 {
		t.Errorf("after Prev page = %d, want 2", s.Page)
	}
	if err := h.m.Seek(ctx, 1); err != nil {
		t.Fatalf("Seek(1) error = %v", err)
	}
	_ = h.m.Prev(ctx)
	if s := h.m.Snapshot(); s.Page != 1 {
		t.Errorf("Prev before start: page = %d, want 1", s.Page)
	}
	for _, p := range []int{0, 4} {
		if err := h.m.Seek(ctx, p); !errors.Is(err, ErrInvalidPage) {
			t.Errorf("Seek(%d) error = %v, want ErrInvalidPage", p, err)
		}
	}
	eventually(t, "navigation saved positions", func() bool {
		return h.rec.has(saved, 2) && h.rec.has(saved, 3) && h.rec.has(saved, 1)
	})

	_ = h.m.Seek(ctx, 3)
	_ = h.m.Play(ctx)
	if u := h.speak(t); u.Text != "丙" {
		t.Errorf("Play after Seek(3) spoke %q", u.Text)
	}
}

func TestMachine_StartPageAndStyle(t *testing.T) {
	h := start(t, map[int]string{2: "這是重點"}, 3, func(o *Options, d *Dependencies) {
		o.StartPage = 2
		o.Style = narration.Storyteller{}
	})
	_ = h.m.Play(context.Background())
	u := h.speak(t)
	if u.Text != "這！就是！重點" || u.Pitch != narration.StorytellerPitch {
		t.Errorf("utterance = %q pitch %v", u.Text, u.Pitch)
	}
	if s := h.m.Snapshot(); s.Style != "storyteller" {
		t.Errorf("style = %q", s.Style)
	}
}

func TestMachine_AutoVoice(t *testing.T) {
	h := start(t, map[int]string{1: "甲"}, 1, func(o *Options, d *Dependencies) {
		eng := d.Engine.(*fakeEngine)
		eng.voices = []narration.Voice{{Name: "Remote", Language: "zh-TW"}, {Name: "Meijia", Language: "zh-TW", Local: true}}
		d.Engine = voiceEngine{eng}
	})
	_ = h.m.Play(context.Background())
	if u := h.speak(t); u.Voice != "Meijia" {
		t.Errorf("voice = %q, want Meijia", u.Voice)
	}
}

func TestMachine_OnChange(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	h := start(t, map[int]string{1: "甲"}, 1, func(o *Options, d *Dependencies) {
		o.OnChange = func(s Snapshot) {
			mu.Lock()
			seen = append(seen, s.Status)
			mu.Unlock()
		}
	})
	ctx := context.Background()
	_ = h.m.Play(ctx)
	u := h.speak(t)
	h.emit(narration.EventEnd, u.ID)
	h.waitStatus(t, Done)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != Reading || seen[len(seen)-1] != Done {
		t.Errorf("OnChange statuses = %v", seen)
	}
}

func TestMachine_NotRunning(t *testing.T) {
	eng := newFakeEngine()
	m := New(Dependencies{Engine: eng, Text: &fakeText{}}, DefaultOptions(1))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}
	if err := m.Play(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Play() error = %v, want ErrNotRunning", err)
	}
	if err := m.Run(context.Background()); err == nil {
		t.Error("second Run() error = nil")
	}
}

func TestMachine_InvalidStartRate(t *testing.T) {
	h := start(t, map[int]string{1: "甲"}, 1, func(o *Options, d *Dependencies) { o.Rate = math.NaN() })
	if s := h.m.Snapshot(); s.Rate != 1.0 {
		t.Errorf("rate = %v, want default 1.0", s.Rate)
	}
}

func TestMachine_SkipHopPublishesIdle(t *testing.T) {
	var mu sync.Mutex
	var seen []Snapshot
	h := start(t, map[int]string{1: "", 2: "乙"}, 2, func(o *Options, d *Dependencies) {
		o.SkipDelay = 50 * time.Millisecond
		o.OnChange = func(s Snapshot) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		}
	})
	_ = h.m.Play(context.Background())
	if u := h.speak(t); u.Text != "乙" {
		t.Fatalf("Speak(%q), want 乙", u.Text)
	}

	mu.Lock()
	defer mu.Unlock()
	var statuses []Status
	for _, s := range seen {
		statuses = append(statuses, s.Status)
	}
	want := []Status{Reading, Idle, Reading}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
	if seen[1].Page != 2 {
		t.Errorf("hop snapshot page = %d, want 2", seen[1].Page)
	}
}

func TestMachine_PauseDuringSkipHop(t *testing.T) {
	h := start(t, map[int]string{1: "", 2: "乙"}, 2, func(o *Options, d *Dependencies) {
		o.SkipDelay = 200 * time.Millisecond
	})
	ctx := context.Background()
	_ = h.m.Play(ctx)
	h.waitStatus(t, Idle)
	if err := h.m.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	h.noSpeak(t)
	if s := h.m.Snapshot(); s.Status != Idle || s.Page != 2 {
		t.Errorf("snapshot = %+v, want idle on page 2", s)
	}
}

type slowProgress struct {
	mu    sync.Mutex
	saved []int
}

func (p *slowProgress) SavePosition(ctx context.Context, page int) error {
	if page == 2 {
		time.Sleep(80 * time.Millisecond)
	}
	p.mu.Lock()
	p.saved = append(p.saved, page)
	p.mu.Unlock()
	return nil
}

func (p *slowProgress) list() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.saved...)
}

func TestMachine_PageChangesPersistInOrder(t *testing.T) {
	progress := &slowProgress{}
	h := start(t, map[int]string{1: "甲", 2: "乙", 3: "丙"}, 3, func(o *Options, d *Dependencies) {
		d.Progress = progress
	})
	ctx := context.Background()
	if err := h.m.Next(ctx); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if err := h.m.Next(ctx); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if s := h.m.Snapshot(); s.Page != 3 {
		t.Fatalf("cursor = %d, want 3", s.Page)
	}

	eventually(t, "both positions saved", func() bool { return len(progress.list()) == 2 })
	if got := progress.list(); got[0] != 2 || got[1] != 3 {
		t.Errorf("saved positions = %v, want [2 3]", got)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.shown) != 2 || h.rec.shown[1] != 3 {
		t.Errorf("shown = %v, want [2 3]", h.rec.shown)
	}
}
