package narration

import "strings"

// Voice describes one voice offered by an engine.
type Voice struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Local    bool   `json:"local"`
}

// VoiceLister is implemented by engines that can enumerate their voices.
type VoiceLister interface {
	Voices() []Voice
}

// SelectVoice returns the voice named preferred if present. Otherwise it
// picks, in order, a local voice for lang, any voice for lang, then any voice
// in lang's primary language. ok is false when nothing matches and the engine
// default should be used.
func SelectVoice(voices []Voice, preferred, lang string) (Voice, bool) {
	if preferred != "" {
		for _, v := range voices {
			if v.Name == preferred {
				return v, true
			}
		}
	}
	for _, v := range voices {
		if strings.EqualFold(v.Language, lang) && v.Local {
			return v, true
		}
	}
	for _, v := range voices {
		if strings.EqualFold(v.Language, lang) {
			return v, true
		}
	}
	primary := strings.ToLower(lang)
	if i := strings.IndexAny(primary, "-_"); i >= 0 {
		primary = primary[:i]
	}
	if primary != "" {
		for _, v := range voices {
			if strings.HasPrefix(strings.ToLower(v.Language), primary) {
				return v, true
			}
		}
	}
	return Voice{}, false
}
