package orchestration

import (
	"strings"
	"unicode"
)

// speakableUnit is one sentence-bounded segment of response text, ready for
// synthesis. The sequence index is fixed at extraction time and is the
// ordering key for playback: audio is enqueued strictly by ascending seq no
// matter which synthesis fetch finishes first.
type speakableUnit struct {
	seq  int
	text string
}

// segmenter incrementally splits a response text stream into speakable
// units. Not safe for concurrent use; the delivery queue owns one per
// response and feeds it from a single goroutine.
type segmenter struct {
	pending string
	nextSeq int
}

// Push appends a chunk and extracts every complete unit now available. A
// unit ends at a sentence-boundary character followed by whitespace or the
// current end of buffer.
func (s *segmenter) Push(chunk string) []speakableUnit {
	s.pending += chunk

	var units []speakableUnit
	for {
		boundary := lastSentenceBoundary(s.pending)
		if boundary < 0 {
			break
		}

		units = append(units, s.cut(s.pending[:boundary+1])...)
		s.pending = s.pending[boundary+1:]
	}
	return units
}

// Flush drains whatever text remains as a final unit, boundary or not.
// Called once when the response stream completes.
func (s *segmenter) Flush() []speakableUnit {
	if strings.TrimSpace(s.pending) == "" {
		s.pending = ""
		return nil
	}

	units := s.cut(s.pending)
	s.pending = ""
	return units
}

func (s *segmenter) cut(raw string) []speakableUnit {
	text := stripDecorativeSymbols(raw)
	if text == "" {
		// Stripped to nothing (all emoji), skip without burning a seq so
		// consumers never see gaps.
		return nil
	}

	unit := speakableUnit{seq: s.nextSeq, text: text}
	s.nextSeq++
	return []speakableUnit{unit}
}

func isSentenceBoundary(r byte) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

// lastSentenceBoundary returns the index of the last boundary character
// that is followed by whitespace or the end of the buffer, or -1.
func lastSentenceBoundary(text string) int {
	for i := len(text) - 1; i >= 0; i-- {
		if !isSentenceBoundary(text[i]) {
			continue
		}
		if i == len(text)-1 || text[i+1] == ' ' || text[i+1] == '\t' || text[i+1] == '\n' || text[i+1] == '\r' {
			return i
		}
	}
	return -1
}

// stripDecorativeSymbols removes emoji, joiners and other presentation-only
// runes that synthesis engines either reject or read aloud literally, then
// trims surrounding whitespace.
func stripDecorativeSymbols(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isDecorativeRune(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func isDecorativeRune(r rune) bool {
	switch {
	case r == 0x200d: // zero-width joiner
		return true
	case r >= 0xfe00 && r <= 0xfe0f: // variation selectors
		return true
	case r >= 0x1f1e6 && r <= 0x1f1ff: // regional indicators
		return true
	case r >= 0x1f300 && r <= 0x1faff: // emoji blocks
		return true
	case r >= 0x2600 && r <= 0x27bf: // misc symbols and dingbats
		return true
	case r >= 0x2190 && r <= 0x21ff: // arrows
		return true
	case unicode.Is(unicode.Sk, r) && r > 0x2000:
		return true
	}
	return false
}
