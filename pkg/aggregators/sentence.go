package aggregators

import (
	"strings"
	"unicode"
)

type SentenceConfig struct {
	// MinLen keeps very short sentences glued to the next one so the TTS
	// does not get "Hi!" on its own.
	MinLen int
	// MaxLen forces a split at the last space once the buffer grows this long.
	MaxLen int
}

// SentenceAggregator groups streamed LLM tokens into sentences for TTS.
// It is not safe for concurrent use.
type SentenceAggregator struct {
	cfg SentenceConfig
	sb  strings.Builder
}

func NewSentenceAggregator(cfg SentenceConfig) *SentenceAggregator {
	if cfg.MinLen <= 0 {
		cfg.MinLen = 8
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 240
	}
	return &SentenceAggregator{cfg: cfg}
}

// Add appends a token and returns any sentences it completed.
func (a *SentenceAggregator) Add(tok string) []string {
	a.sb.WriteString(tok)
	var out []string
	for {
		text := a.sb.String()
		cut := a.boundary(text)
		if cut <= 0 {
			break
		}
		if s := strings.TrimSpace(text[:cut]); s != "" {
			out = append(out, s)
		}
		rest := text[cut:]
		a.sb.Reset()
		a.sb.WriteString(rest)
	}
	return out
}

// Flush returns whatever is buffered, trimmed.
func (a *SentenceAggregator) Flush() string {
	out := strings.TrimSpace(a.sb.String())
	a.sb.Reset()
	return out
}

// boundary finds the end of the first sentence of at least MinLen bytes
// that is followed by whitespace. Zero means no complete sentence yet.
func (a *SentenceAggregator) boundary(text string) int {
	for i := 0; i < len(text)-1; i++ {
		if !isTerminal(text[i]) || !unicode.IsSpace(rune(text[i+1])) {
			continue
		}
		if text[i] == '.' && strings.HasSuffix(text[:i+1], "...") && i+1 < 12 {
			continue
		}
		if len(strings.TrimSpace(text[:i+1])) >= a.cfg.MinLen {
			return i + 1
		}
	}
	if len(text) >= a.cfg.MaxLen {
		if idx := strings.LastIndexFunc(text[:a.cfg.MaxLen], unicode.IsSpace); idx > 0 {
			return idx
		}
		return a.cfg.MaxLen
	}
	return 0
}

func isTerminal(b byte) bool {
	return b == '.' || b == '!' || b == '?' || b == '\n'
}

// Sentences splits a complete text the same way a stream would be split.
func Sentences(text string, cfg SentenceConfig) []string {
	agg := NewSentenceAggregator(cfg)
	out := agg.Add(text)
	if tail := agg.Flush(); tail != "" {
		out = append(out, tail)
	}
	return out
}
