package narration

import "strings"

// Style rewrites page text before it is spoken.
type Style interface {
	Name() string
	Build(text string, base Options) (string, Options)
}

// Plain speaks the text unchanged.
type Plain struct{}

func (Plain) Name() string { return "plain" }

func (Plain) Build(text string, base Options) (string, Options) { return text, base }

// Storyteller is an animated narration style: emphatic rewrites of common
// expository phrases and a slightly raised pitch.
type Storyteller struct{}

// StorytellerPitch is the pitch used by Storyteller.
const StorytellerPitch = 1.1

var storytellerPhrases = strings.NewReplacer(
	"這是", "這！就是！",
	"非常重要", "非常！非常重要",
	"值得注意", "這點超值得注意",
	"研究顯示", "研究竟然顯示",
	"例如", "舉個例子喔，",
	"因此", "所以你看，",
	"總結", "來做個總結，",
)

func (Storyteller) Name() string { return "storyteller" }

// Transform applies the phrase rewrites.
func (Storyteller) Transform(text string) string {
	return storytellerPhrases.Replace(text)
}

func (s Storyteller) Build(text string, base Options) (string, Options) {
	base.Pitch = StorytellerPitch
	if base.Instructions == "" {
		base.Instructions = "Narrate like an energetic storyteller, with lively emphasis and pauses."
	}
	return s.Transform(text), base
}

// StyleByName returns the named style, Plain for unknown names.
func StyleByName(name string) Style {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "storyteller", "juju":
		return Storyteller{}
	default:
		return Plain{}
	}
}
