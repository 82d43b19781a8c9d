package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/local/pagereader/internal/narration"
	"github.com/local/pagereader/internal/ocr"
	"github.com/local/pagereader/internal/playback"
	"github.com/local/pagereader/internal/source"
	"github.com/local/pagereader/internal/store"
)

type fakeDoc struct {
	pages  int
	items  map[int][]source.TextItem
	closed atomic.Bool
}

func (d *fakeDoc) PageCount() int { return d.pages }

func (d *fakeDoc) RenderJPEG(ctx context.Context, page int, scale float64) (source.Image, error) {
	return source.Image{Data: []byte{0xff, 0xd8}, MIME: "image/jpeg", Width: 1000, Height: 1400}, nil
}

func (d *fakeDoc) TextItems(ctx context.Context, page int) ([]source.TextItem, float64, error) {
	return d.items[page], 800, nil
}

func (d *fakeDoc) Close() error {
	d.closed.Store(true)
	return nil
}

// embeddedDoc has a two column first page of eleven runs and a second page.
func embeddedDoc(pages int) *fakeDoc {
	var first []source.TextItem
	for i, r := range []rune("甲乙丙丁戊己") {
		first = append(first, source.TextItem{Str: string(r), Transform: [6]float64{12, 0, 0, 12, 300, float64(790 - i*20)}})
	}
	for i, r := range []rune("子丑寅卯辰") {
		first = append(first, source.TextItem{Str: string(r), Transform: [6]float64{12, 0, 0, 12, 100, float64(790 - i*20)}})
	}
	return &fakeDoc{pages: pages, items: map[int][]source.TextItem{
		1: first,
		2: {{Str: "第二頁", Transform: [6]float64{12, 0, 0, 12, 200, 700}}},
	}}
}

type countingRecognizer struct {
	calls atomic.Int32
}

func (r *countingRecognizer) Name() string { return "fake" }

func (r *countingRecognizer) Recognize(ctx context.Context, req ocr.Request) (*ocr.Annotation, error) {
	r.calls.Add(1)
	return &ocr.Annotation{FullText: "辨識文字"}, nil
}

type fakeEngine struct {
	spoken chan narration.Utterance
	events chan narration.Event
	closed atomic.Bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{spoken: make(chan narration.Utterance, 8), events: make(chan narration.Event)}
}

func (e *fakeEngine) Speak(ctx context.Context, u narration.Utterance) error {
	e.spoken <- u
	return nil
}
func (e *fakeEngine) Pause() error                   { return nil }
func (e *fakeEngine) Resume() error                  { return nil }
func (e *fakeEngine) Cancel() error                  { return nil }
func (e *fakeEngine) Events() <-chan narration.Event { return e.events }
func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type recordingViewer struct {
	mu    sync.Mutex
	texts map[int]string
}

func (v *recordingViewer) ShowPage(string, int) {}

func (v *recordingViewer) ShowText(_ string, page int, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.texts == nil {
		v.texts = map[int]string{}
	}
	v.texts[page] = text
}

func (v *recordingViewer) text(page int) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.texts[page]
	return t, ok
}

func testOptions(eng narration.Engine) Options {
	p := playback.DefaultOptions(0)
	p.SkipDelay, p.AdvanceDelay, p.RestartDelay = 0, 0, 0
	return Options{Title: "測試書", Engine: eng, Playback: p}
}

func TestDocID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"紅樓夢", "mybooks_紅樓夢"},
		{"My Book (v2)", "mybooks_My_Book__v2_"},
		{"a/b", "mybooks_a_b"},
	}
	for _, tt := range tests {
		if got := DocID(tt.in); got != tt.want {
			t.Errorf("DocID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpen_EmbeddedDocument(t *testing.T) {
	ctx := context.Background()
	doc := embeddedDoc(2)
	eng := newFakeEngine()
	viewer := &recordingViewer{}
	opts := testOptions(eng)
	opts.Viewer = viewer

	s, err := Open(ctx, doc, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if s.Mode() != source.Embedded || s.PageCount() != 2 || s.ID() == "" {
		t.Fatalf("session mode = %v pages = %d id = %q", s.Mode(), s.PageCount(), s.ID())
	}

	text, err := s.PageText(ctx, 1)
	if err != nil {
		t.Fatalf("PageText() error = %v", err)
	}
	if text != "甲乙丙丁戊己子丑寅卯辰" {
		t.Errorf("PageText(1) = %q", text)
	}

	// initial display resolves page 1 for the viewer
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := viewer.text(1); ok {
			if got != text {
				t.Errorf("viewer text = %q", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("viewer never received page 1 text")
		}
		time.Sleep(2 * time.Millisecond)
	}

	info := s.Info()
	if info.Title != "測試書" || info.DocID != "mybooks_測試書" || info.Mode != "embedded" || info.Displayed != 1 {
		t.Errorf("Info() = %+v", info)
	}

	book := s.Export()
	if book.TotalPages != 2 || len(book.Pages) != 2 || book.Pages[0].Text != text {
		t.Errorf("Export() = %+v", book)
	}

	if _, err := s.PageText(ctx, 3); err == nil {
		t.Error("PageText(3) error = nil")
	}
}

func TestSession_Playback(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	s, err := Open(ctx, embeddedDoc(2), testOptions(eng))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.Playback().Play(ctx); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	select {
	case u := <-eng.spoken:
		if u.Text != "甲乙丙丁戊己子丑寅卯辰" {
			t.Errorf("spoke %q", u.Text)
		}
		eng.events <- narration.Event{Kind: narration.EventEnd, UtteranceID: u.ID}
	case <-time.After(2 * time.Second):
		t.Fatal("engine never asked to speak")
	}
	select {
	case u := <-eng.spoken:
		if u.Text != "第二頁" {
			t.Errorf("second utterance %q", u.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not advance")
	}
	if s.Info().Playback.Page != 2 {
		t.Errorf("playback page = %d, want 2", s.Info().Playback.Page)
	}
}

func TestSession_PersistenceAndResume(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, err := store.Connect(ctx, "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()
	stores := Stores{
		Pages:    store.NewPageStore(c),
		Progress: store.NewProgressStore(c),
		Status:   store.NewStatusStore(c),
	}
	docID := DocID("測試書")
	if err := stores.Progress.SavePosition(ctx, docID, 3); err != nil {
		t.Fatal(err)
	}
	if err := stores.Pages.SavePageText(ctx, docID, 3, "已儲存", "scanned"); err != nil {
		t.Fatal(err)
	}

	rec := &countingRecognizer{}
	opts := testOptions(newFakeEngine())
	opts.Recognizer = rec
	opts.Stores = stores
	s, err := Open(ctx, &fakeDoc{pages: 4}, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if s.Mode() != source.Scanned {
		t.Fatalf("mode = %v, want scanned", s.Mode())
	}
	if got := s.Info().Playback.Page; got != 3 {
		t.Errorf("start page = %d, want saved 3", got)
	}

	text, err := s.PageText(ctx, 3)
	if err != nil || text != "已儲存" {
		t.Fatalf("PageText(3) = %q, %v", text, err)
	}

	text, err = s.PageText(ctx, 1)
	if err != nil || text != "辨識文字" {
		t.Fatalf("PageText(1) = %q, %v", text, err)
	}
	// page 1 persisted after extraction
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok, _ := stores.Pages.GetPageText(ctx, docID, 1); ok && got == "辨識文字" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("page 1 never persisted")
		}
		time.Sleep(2 * time.Millisecond)
	}

	st, ok, err := stores.Status.Get(ctx, docID)
	if err != nil || !ok || st.Pages != 4 || st.Mode != "scanned" || st.SessionID != s.ID() {
		t.Errorf("status = %+v, %v, %v", st, ok, err)
	}
}

func TestSession_Close(t *testing.T) {
	ctx := context.Background()
	doc := embeddedDoc(2)
	eng := newFakeEngine()
	s, err := Open(ctx, doc, testOptions(eng))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !doc.closed.Load() || !eng.closed.Load() {
		t.Errorf("doc closed = %v engine closed = %v", doc.closed.Load(), eng.closed.Load())
	}
	if _, err := s.PageText(ctx, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("PageText() after Close error = %v", err)
	}
	if err := s.Playback().Play(ctx); !errors.Is(err, playback.ErrNotRunning) {
		t.Errorf("Play() after Close error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestOpen_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, nil, testOptions(newFakeEngine())); err == nil {
		t.Error("Open(nil doc) error = nil")
	}
	if _, err := Open(ctx, embeddedDoc(1), Options{}); err == nil {
		t.Error("Open(no engine) error = nil")
	}
	if _, err := Open(ctx, &fakeDoc{}, testOptions(newFakeEngine())); err == nil {
		t.Error("Open(0 pages) error = nil")
	}
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	var docs []*fakeDoc
	m := NewManager(func(ctx context.Context, ref string) (*Session, error) {
		if ref == "bad" {
			return nil, errors.New("not a pdf")
		}
		d := embeddedDoc(2)
		docs = append(docs, d)
		opts := testOptions(newFakeEngine())
		opts.Title = ref
		return Open(ctx, d, opts)
	})

	if _, err := m.Current(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Current() error = %v, want ErrNoSession", err)
	}
	first, err := m.Load(ctx, "one")
	if err != nil {
		t.Fatalf("Load(one) error = %v", err)
	}
	if _, err := m.Load(ctx, "bad"); err == nil {
		t.Fatal("Load(bad) error = nil")
	}
	if cur, _ := m.Current(); cur != first {
		t.Fatal("failed load replaced the current session")
	}

	second, err := m.Load(ctx, "two")
	if err != nil {
		t.Fatalf("Load(two) error = %v", err)
	}
	if !docs[0].closed.Load() {
		t.Error("replaced session's document not closed")
	}
	if cur, _ := m.Current(); cur != second || cur.Title() != "two" {
		t.Errorf("Current() = %v", cur)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !docs[1].closed.Load() {
		t.Error("current document not closed")
	}
}

func TestSession_StatusWritesKeepNewest(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, err := store.Connect(ctx, "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()
	status := store.NewStatusStore(c)

	opts := testOptions(newFakeEngine())
	opts.Stores = Stores{Status: status}
	s, err := Open(ctx, &fakeDoc{pages: 1}, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	eventually := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("condition not met: %s", what)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}
	eventually("page 1 resolved", func() bool { return s.cache.Resolved() == 1 })

	for i := 1; i <= 100; i++ {
		s.onCache(i, 100)
		s.onPlayback(playback.Snapshot{Status: playback.Reading, Page: i})
	}
	latest := func() bool {
		st, ok, err := status.Get(ctx, s.DocID())
		return err == nil && ok && st.Resolved == 100 && st.Page == 100 && st.Playback == "reading"
	}
	eventually("newest status stored", latest)
	time.Sleep(50 * time.Millisecond)
	if !latest() {
		st, _, _ := status.Get(ctx, s.DocID())
		t.Errorf("status went back to %+v", st)
	}
}
