package ollama

import (
	"strings"
	"unicode"
)

const maxEmbedInputChars = 8000

// sanitizeEmbedInput strips control characters and caps the input before it
// is sent to the embedding endpoint. Oversized chunks upstream are a bug, the
// cap here just keeps a bad chunker from producing giant requests.
func sanitizeEmbedInput(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxEmbedInputChars {
		out = out[:maxEmbedInputChars]
	}
	return strings.TrimSpace(out)
}
