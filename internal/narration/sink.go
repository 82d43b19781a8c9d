package narration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// AudioSink receives synthesized audio for an utterance.
type AudioSink interface {
	WriteAudio(ctx context.Context, u Utterance, format string, audio []byte) error
}

// FileSink writes each utterance to Dir/<prefix><id>.<format>.
type FileSink struct {
	Dir    string
	Prefix string
}

func (s FileSink) WriteAudio(ctx context.Context, u Utterance, format string, audio []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	name := filepath.Join(s.Dir, fmt.Sprintf("%s%06d.%s", s.Prefix, u.ID, format))
	if err := os.WriteFile(name, audio, 0o644); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// DiscardSink drops audio.
type DiscardSink struct{}

func (DiscardSink) WriteAudio(context.Context, Utterance, string, []byte) error { return nil }
