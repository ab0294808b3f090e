package channel

import "strings"

// Chunk splits content into segments of at most limit runes. Multi-byte
// characters are never split; segmentation prefers newline boundaries, then
// spaces, and only cuts mid-word when a single word exceeds the limit.
func Chunk(content string, limit int) []string {
	if limit <= 0 || len(content) == 0 {
		if content == "" {
			return nil
		}
		return []string{content}
	}

	runes := []rune(content)
	if len(runes) <= limit {
		return []string{content}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}

		window := runes[:limit]
		cut := lastBoundary(window)
		if cut <= 0 {
			cut = limit
		}

		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
		// Skip the boundary character itself so chunks don't start with it.
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	return chunks
}

// lastBoundary returns the index after the best split point in window:
// the last newline if any, otherwise the last space.
func lastBoundary(window []rune) int {
	lastSpace := -1
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '\n':
			return i
		case ' ':
			if lastSpace < 0 {
				lastSpace = i
			}
		}
	}
	return lastSpace
}
