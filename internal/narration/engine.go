// Package narration defines the speech engine contract used by playback and
// an engine backed by the OpenAI speech API.
package narration

import (
	"context"
	"errors"
)

// ErrClosed is returned by Speak after the engine has been closed.
var ErrClosed = errors.New("narration engine closed")

// Options are per-utterance speech parameters.
type Options struct {
	Rate     float64 // 1.0 is normal speed
	Pitch    float64 // 1.0 is normal pitch
	Voice    string  // empty lets the engine choose
	Language string  // BCP 47, e.g. zh-TW
	// Instructions is a free-form delivery hint for engines that accept one.
	Instructions string
}

// Utterance is one unit of speech. ID tags every event it produces.
type Utterance struct {
	ID   uint64
	Text string
	Options
}

// EventKind is the type of engine event.
type EventKind int

const (
	EventStart EventKind = iota
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	default:
		return "error"
	}
}

// Event is emitted by an Engine for a specific utterance.
type Event struct {
	Kind        EventKind
	UtteranceID uint64
	Reason      string // set for EventError
}

// Engine speaks one utterance at a time. A new Speak replaces the current
// utterance. Cancel stops the current utterance without emitting events for it.
type Engine interface {
	Speak(ctx context.Context, u Utterance) error
	Pause() error
	Resume() error
	Cancel() error
	Events() <-chan Event
}
