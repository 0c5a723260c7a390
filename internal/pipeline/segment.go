package pipeline

import "strings"

// defaultSoftBoundaryChars is the accumulated length after which the splitter
// accepts any whitespace run as a sentence boundary. Keeps TTS latency bounded
// when a model produces long unpunctuated output.
const defaultSoftBoundaryChars = 60

// terminalRunes are the hard sentence terminators. The ASCII ones require a
// following whitespace character (or end of stream) so decimals like "3.5"
// survive; the fullwidth CJK ones are boundaries on their own.
var (
	asciiTerminals = map[rune]bool{'.': true, '?': true, '!': true}
	cjkTerminals   = map[rune]bool{'。': true, '？': true, '！': true, '；': true}
)

// splitter accumulates streamed LLM text and cuts it into sentences for
// per-sentence TTS dispatch. Not safe for concurrent use; each pipeline run
// owns its own splitter.
type splitter struct {
	buf       strings.Builder
	softChars int
}

func newSplitter() *splitter {
	return &splitter{softChars: defaultSoftBoundaryChars}
}

// Feed appends a streamed fragment and returns any complete sentences that
// became available, in order. Returned sentences are trimmed of surrounding
// whitespace; empty sentences are never returned.
func (s *splitter) Feed(fragment string) []string {
	if fragment == "" {
		return nil
	}
	s.buf.WriteString(fragment)

	var out []string
	for {
		sentence, rest, ok := cutSentence(s.buf.String(), s.softChars)
		if !ok {
			break
		}
		s.buf.Reset()
		s.buf.WriteString(rest)
		if sentence = strings.TrimSpace(sentence); sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush returns whatever partial sentence remains and resets the splitter.
// Returns "" when the buffer holds only whitespace.
func (s *splitter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// cutSentence finds the earliest sentence boundary in text. A boundary is a
// CJK terminator, an ASCII terminator followed by whitespace, or (once at
// least softChars runes have accumulated) any whitespace character.
func cutSentence(text string, softChars int) (sentence, rest string, ok bool) {
	runes := []rune(text)
	for i, r := range runes {
		switch {
		case cjkTerminals[r]:
			return string(runes[:i+1]), string(runes[i+1:]), true
		case asciiTerminals[r]:
			// Need to see the next rune to decide; a trailing terminator
			// stays buffered until more text or Flush arrives.
			if i+1 < len(runes) && isSpace(runes[i+1]) {
				return string(runes[:i+1]), string(runes[i+1:]), true
			}
		case isSpace(r) && i >= softChars:
			return string(runes[:i]), string(runes[i+1:]), true
		}
	}
	return "", text, false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
