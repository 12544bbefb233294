package validation

import (
	"strings"
	"unicode"
)

const (
	// maxRepeatedChars is the run length at which a fragment is considered
	// stuck in repetition.
	maxRepeatedChars = 20

	// entropyWindow is the trailing span of accumulated text inspected for
	// whitespace-free gibberish.
	entropyWindow = 100

	// urlExemptLimit is the longest no-whitespace window still accepted as a
	// plausible URL when it starts with "http".
	urlExemptLimit = 150
)

const (
	ReasonRepetition = "Infinite character repetition detected"
	ReasonGibberish  = "Gibberish/High entropy detected"
)

// Verdict is the outcome of checking one stream fragment.
type Verdict struct {
	Valid  bool
	Reason string
}

// StreamValidator inspects an accumulating output stream for pathological
// content. One instance guards one in-flight generation; it is not safe for
// concurrent use and must be Reset before reuse.
type StreamValidator struct {
	// tail keeps only the trailing runes needed for the entropy check.
	// Thresholds are measured in characters, not bytes, so multibyte
	// output is counted correctly.
	tail []rune
}

// NewStreamValidator creates a validator with empty state.
func NewStreamValidator() *StreamValidator {
	return &StreamValidator{}
}

// Check validates the next fragment. State accumulates across calls so a
// gibberish run split over many small fragments is still caught.
func (v *StreamValidator) Check(fragment string) Verdict {
	v.tail = append(v.tail, []rune(fragment)...)
	if len(v.tail) > urlExemptLimit {
		v.tail = v.tail[len(v.tail)-urlExemptLimit:]
	}

	if hasRepeatedRun(fragment, maxRepeatedChars) {
		return Verdict{Valid: false, Reason: ReasonRepetition}
	}

	if v.trailingWindowIsGibberish() {
		return Verdict{Valid: false, Reason: ReasonGibberish}
	}

	return Verdict{Valid: true}
}

// Reset clears accumulated state for reuse on a new stream.
func (v *StreamValidator) Reset() {
	v.tail = nil
}

// hasRepeatedRun reports whether s contains the same character repeated at
// least n times consecutively.
func hasRepeatedRun(s string, n int) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
			if run >= n {
				return true
			}
		} else {
			prev = r
			run = 1
			if run >= n {
				return true
			}
		}
	}
	return false
}

// trailingWindowIsGibberish checks the last entropyWindow characters of all
// text seen so far. Genuine words are rarely that long; a full window with no
// whitespace means the model is dumping an artifact. URLs get a carve-out:
// a window starting with "http" under urlExemptLimit characters passes.
func (v *StreamValidator) trailingWindowIsGibberish() bool {
	window := v.tail
	if len(window) > entropyWindow {
		window = window[len(window)-entropyWindow:]
	}
	if len(window) < entropyWindow {
		return false
	}

	for _, r := range window {
		if unicode.IsSpace(r) {
			return false
		}
	}

	// The whole no-whitespace run, not just the inspected window, decides
	// the URL carve-out: a run that began with "http" and is still under the
	// exemption limit is a plausible URL. tail is capped at urlExemptLimit,
	// so a run that outgrew the cap loses the exemption naturally.
	run := v.tail
	for i := len(run) - 1; i >= 0; i-- {
		if unicode.IsSpace(run[i]) {
			run = run[i+1:]
			break
		}
	}
	if strings.HasPrefix(string(run), "http") && len(run) < urlExemptLimit {
		return false
	}
	return true
}
