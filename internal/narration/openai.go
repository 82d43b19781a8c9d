package narration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog/log"

	"github.com/local/pagereader/internal/metrics"
)

const (
	defaultSpeechModel = "gpt-4o-mini-tts"
	defaultSpeechVoice = "nova"
)

// SpeechConfig configures the OpenAI speech engine.
type SpeechConfig struct {
	APIKey     string
	Model      string // gpt-4o-mini-tts (default), tts-1, tts-1-hd
	Voice      string // default voice
	Format     string // mp3 (default), opus, aac, flac, wav, pcm
	MaxRetries int    // SDK transport retries, negative disables
	Timeout    time.Duration
	BaseURL    string       // optional (tests)
	HTTPClient *http.Client // optional (tests)
	Sink       AudioSink
}

type speech struct {
	id     uint64
	cancel context.CancelFunc
	ready  bool // audio delivered, End held by pause
}

// SpeechEngine synthesizes each utterance with the OpenAI speech API and
// hands the audio to a sink. It implements Engine.
type SpeechEngine struct {
	client openai.Client
	model  string
	voice  string
	format openai.AudioSpeechNewParamsResponseFormat
	sink   AudioSink

	events chan Event
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	cur    *speech
	paused bool
}

// NewSpeechEngine creates an engine. A nil Sink discards audio.
func NewSpeechEngine(cfg SpeechConfig) *SpeechEngine {
	if cfg.Model == "" {
		cfg.Model = defaultSpeechModel
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultSpeechVoice
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Sink == nil {
		cfg.Sink = DiscardSink{}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &SpeechEngine{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		voice:  cfg.Voice,
		format: speechFormat(cfg.Format),
		sink:   cfg.Sink,
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
}

func (e *SpeechEngine) Events() <-chan Event { return e.events }

// Voices lists the built-in voices. They are multilingual, so Language is empty.
func (e *SpeechEngine) Voices() []Voice {
	names := []string{
		"alloy", "ash", "ballad", "coral", "echo", "fable", "nova",
		"onyx", "sage", "shimmer", "verse", "marin", "cedar",
	}
	out := make([]Voice, 0, len(names))
	for _, n := range names {
		out = append(out, Voice{Name: n})
	}
	return out
}

// Speak starts synthesizing u, replacing any current utterance.
func (e *SpeechEngine) Speak(ctx context.Context, u Utterance) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return fmt.Errorf("utterance %d: text is required", u.ID)
	}

	sctx, cancel := context.WithCancel(ctx)
	sp := &speech{id: u.ID, cancel: cancel}

	e.mu.Lock()
	if e.cur != nil {
		e.cur.cancel()
	}
	e.cur = sp
	e.paused = false
	e.mu.Unlock()

	go e.run(sctx, sp, u, text)
	return nil
}

func (e *SpeechEngine) run(ctx context.Context, sp *speech, u Utterance, text string) {
	defer sp.cancel()
	if !e.current(sp) {
		return
	}
	e.emit(Event{Kind: EventStart, UtteranceID: sp.id})

	voice := u.Voice
	if voice == "" {
		voice = e.voice
	}
	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(e.model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: e.format,
		Speed:          openai.Float(clampSpeed(u.Rate)),
	}
	if u.Instructions != "" && strings.HasPrefix(strings.ToLower(e.model), "gpt-4o-mini-tts") {
		params.Instructions = openai.String(u.Instructions)
	}

	start := time.Now()
	audio, err := e.synthesize(ctx, params)
	if err != nil {
		if ctx.Err() != nil || !e.current(sp) {
			return
		}
		e.fail(sp, err)
		return
	}
	if err := e.sink.WriteAudio(ctx, u, formatExt(e.format), audio); err != nil {
		e.fail(sp, err)
		return
	}
	log.Debug().
		Uint64("utterance", sp.id).
		Int("chars", len([]rune(text))).
		Int("audio_bytes", len(audio)).
		Dur("elapsed", time.Since(start)).
		Msg("utterance synthesized")

	e.mu.Lock()
	if e.cur != sp {
		e.mu.Unlock()
		return
	}
	if e.paused {
		sp.ready = true
		e.mu.Unlock()
		return
	}
	e.cur = nil
	e.mu.Unlock()
	e.emit(Event{Kind: EventEnd, UtteranceID: sp.id})
}

func (e *SpeechEngine) synthesize(ctx context.Context, params openai.AudioSpeechNewParams) ([]byte, error) {
	resp, err := e.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, mapSpeechError(err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading speech response: %w", err)
	}
	return audio, nil
}

func (e *SpeechEngine) fail(sp *speech, err error) {
	e.mu.Lock()
	if e.cur == sp {
		e.cur = nil
	}
	e.mu.Unlock()
	metrics.IncNarrationError()
	e.emit(Event{Kind: EventError, UtteranceID: sp.id, Reason: err.Error()})
}

func (e *SpeechEngine) current(sp *speech) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur == sp
}

// Pause holds the current utterance's End event until Resume.
func (e *SpeechEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		e.paused = true
	}
	return nil
}

func (e *SpeechEngine) Resume() error {
	e.mu.Lock()
	e.paused = false
	sp := e.cur
	if sp == nil || !sp.ready {
		e.mu.Unlock()
		return nil
	}
	e.cur = nil
	e.mu.Unlock()
	e.emit(Event{Kind: EventEnd, UtteranceID: sp.id})
	return nil
}

// Cancel aborts the current utterance. No further events are emitted for it.
func (e *SpeechEngine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		e.cur.cancel()
		e.cur = nil
	}
	e.paused = false
	return nil
}

// Close cancels any utterance and stops event delivery.
func (e *SpeechEngine) Close() error {
	_ = e.Cancel()
	e.once.Do(func() { close(e.closed) })
	return nil
}

func (e *SpeechEngine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.closed:
	}
}

func clampSpeed(rate float64) float64 {
	switch {
	case math.IsNaN(rate) || rate <= 0:
		return 1.0
	case rate < 0.25:
		return 0.25
	case rate > 4.0:
		return 4.0
	default:
		return rate
	}
}

func speechFormat(format string) openai.AudioSpeechNewParamsResponseFormat {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "opus":
		return openai.AudioSpeechNewParamsResponseFormatOpus
	case "aac":
		return openai.AudioSpeechNewParamsResponseFormatAAC
	case "flac":
		return openai.AudioSpeechNewParamsResponseFormatFLAC
	case "wav":
		return openai.AudioSpeechNewParamsResponseFormatWAV
	case "pcm":
		return openai.AudioSpeechNewParamsResponseFormatPCM
	default:
		return openai.AudioSpeechNewParamsResponseFormatMP3
	}
}

func formatExt(f openai.AudioSpeechNewParamsResponseFormat) string {
	switch f {
	case openai.AudioSpeechNewParamsResponseFormatOpus:
		return "opus"
	case openai.AudioSpeechNewParamsResponseFormatAAC:
		return "aac"
	case openai.AudioSpeechNewParamsResponseFormatFLAC:
		return "flac"
	case openai.AudioSpeechNewParamsResponseFormatWAV:
		return "wav"
	case openai.AudioSpeechNewParamsResponseFormatPCM:
		return "pcm"
	default:
		return "mp3"
	}
}

func mapSpeechError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return fmt.Errorf("speech API error (status %d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("speech API error (status %d)", apiErr.StatusCode)
	}
	return err
}

var _ Engine = (*SpeechEngine)(nil)
