package orchestrator

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// abbreviations end in a period without ending the sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true, "jr": true,
	"st": true, "mt": true, "vs": true, "etc": true, "inc": true, "ltd": true, "co": true,
	"corp": true, "dept": true, "est": true, "approx": true, "fig": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "jun": true, "jul": true,
	"aug": true, "sep": true, "sept": true, "oct": true, "nov": true, "dec": true,
}

const closers = "\"')]}”’»"

// Segmenter splits streamed text into sentences as the text arrives.
type Segmenter struct {
	minChars int
	buf      string
	// scanned is the offset up to which buf holds no pending boundary.
	scanned int
}

// NewSegmenter creates a segmenter. Sentences shorter than minChars are
// merged into the sentence that follows them.
func NewSegmenter(minChars int) *Segmenter {
	if minChars < 1 {
		minChars = 1
	}
	return &Segmenter{minChars: minChars}
}

// Push appends a delta and returns every sentence it completed.
func (s *Segmenter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.buf += delta

	var out []string
	for {
		end, ok := s.nextBoundary()
		if !ok {
			return out
		}
		candidate := strings.TrimSpace(s.buf[:end])
		if utf8.RuneCountInString(candidate) < s.minChars {
			s.scanned = end
			continue
		}
		out = append(out, normalizeSentence(candidate))
		s.buf = strings.TrimLeftFunc(s.buf[end:], unicode.IsSpace)
		s.scanned = 0
	}
}

// Flush returns whatever text remains once the stream has ended.
func (s *Segmenter) Flush() []string {
	rest := normalizeSentence(s.buf)
	s.buf = ""
	s.scanned = 0
	if rest == "" {
		return nil
	}
	return []string{rest}
}

// nextBoundary returns the end offset of the next complete sentence.
// A terminator at the very end of the buffer is undecided until more text
// arrives, so scanning resumes from it on the next Push.
func (s *Segmenter) nextBoundary() (int, bool) {
	for i := s.scanned; i < len(s.buf); i++ {
		c := s.buf[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}

		end := skipClosers(s.buf, i+1)
		if end >= len(s.buf) || !utf8.FullRuneInString(s.buf[end:]) {
			s.scanned = i
			return 0, false
		}
		next, _ := utf8.DecodeRuneInString(s.buf[end:])
		if !unicode.IsSpace(next) {
			// 3.14, e.g.x, "...": not followed by whitespace
			continue
		}
		if c == '.' && !s.endsSentence(i) {
			continue
		}
		return end, true
	}
	s.scanned = len(s.buf)
	return 0, false
}

// endsSentence decides whether the period at i closes a sentence.
func (s *Segmenter) endsSentence(i int) bool {
	if i > 0 && s.buf[i-1] == '.' {
		return false // ellipsis
	}

	start := i
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(s.buf[:start])
		if unicode.IsSpace(r) {
			break
		}
		start -= size
	}
	word := strings.TrimLeft(s.buf[start:i], "\"'([{“‘«")
	if word == "" {
		return true
	}
	if abbreviations[strings.ToLower(word)] {
		return false
	}
	return !isInitials(word)
}

// isInitials matches J, K, e.g and U.S style tokens: single letters joined by periods.
func isInitials(word string) bool {
	for _, part := range strings.Split(word, ".") {
		if utf8.RuneCountInString(part) != 1 {
			return false
		}
		r, _ := utf8.DecodeRuneInString(part)
		if !unicode.IsLetter(r) {
			return false
		}
	}
	first, _ := utf8.DecodeRuneInString(word)
	// A lone lowercase letter ("plan b.") ends a sentence; dotted forms never do.
	return strings.Contains(word, ".") || unicode.IsUpper(first)
}

func skipClosers(s string, i int) int {
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !strings.ContainsRune(closers, r) {
			break
		}
		i += size
	}
	return i
}

func normalizeSentence(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}
