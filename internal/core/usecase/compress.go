package usecase

import "strings"

const (
	compressHeadChars   = 1500
	compressTailChars   = 800
	compressMarker      = "[... COMPRESSED ...]"
	compressMiddleMin   = 50
	compressMiddleLimit = 3
)

var evidenceMarkers = []string{
	"said", "found", "research", "study", "data", "percent", "showed", "evidence", "according",
}

// CompressContent fits oversized source text into maxChars by keeping the
// head and tail verbatim and up to three salient sentences from the middle.
func CompressContent(content string, maxChars int) string {
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}

	head := content
	if len(head) > compressHeadChars {
		head = head[:compressHeadChars]
	}
	tail := ""
	if len(content) > compressTailChars {
		tail = content[len(content)-compressTailChars:]
	}

	middle := ""
	if len(content) > compressHeadChars+compressTailChars {
		middleText := content[compressHeadChars : len(content)-compressTailChars]
		var sentences []string
		for _, s := range strings.Split(middleText, ".") {
			s = strings.TrimSpace(s)
			if len(s) > compressMiddleMin {
				sentences = append(sentences, s)
			}
		}

		scan := sentences
		if len(scan) > 5 {
			scan = scan[:5]
		}
		var key []string
		for _, s := range scan {
			lower := strings.ToLower(s)
			for _, marker := range evidenceMarkers {
				if strings.Contains(lower, marker) {
					key = append(key, s)
					break
				}
			}
		}
		if len(key) > compressMiddleLimit {
			key = key[:compressMiddleLimit]
		}
		if len(key) > 0 {
			middle = strings.Join(key, ". ")
		} else if len(sentences) > 0 {
			middle = sentences[0]
		}
	}

	compressed := head + "\n" + compressMarker + middle + "\n" + tail
	if len(compressed) > maxChars {
		compressed = compressed[:maxChars]
	}
	return compressed
}
