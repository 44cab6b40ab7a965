// Package chunking splits transcript text into overlapping windows for
// the embedding step and the map phase of long-transcript summarization.
package chunking

import (
	"strings"
	"unicode/utf8"
)

// Chunk is one window of text; Index is its ordinal position in the
// sequence Split returns.
type Chunk struct {
	Index int
	Text  string
}

// Split breaks text into chunks of at most maxChars runes, repeating the
// trailing overlapChars runes of each chunk at the start of the next one
// so a sentence or idea spanning a boundary still appears whole in at
// least one chunk. Splits prefer the nearest paragraph or sentence break
// before the limit; a limit with no such break falls back to a hard cut.
func Split(text string, maxChars, overlapChars int) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if maxChars <= 0 {
		maxChars = 7500
	}
	if overlapChars < 0 || overlapChars >= maxChars {
		overlapChars = 0
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + maxChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = bestBreak(runes, start, end)
		}

		chunks = append(chunks, Chunk{Index: len(chunks), Text: string(runes[start:end])})

		if end >= len(runes) {
			break
		}
		next := end - overlapChars
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// bestBreak looks backward from end (within the [start, end] window) for
// a paragraph break, then a sentence break, falling back to end itself.
func bestBreak(runes []rune, start, end int) int {
	window := string(runes[start:end])
	// strings.LastIndex reports byte offsets; convert them to rune offsets
	// before adding to start, which indexes runes.
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return start + utf8.RuneCountInString(window[:idx]) + 2
	}
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if idx := strings.LastIndex(window, sep); idx > 0 {
			return start + utf8.RuneCountInString(window[:idx]) + len(sep)
		}
	}
	return end
}

// Batch groups items into slices of at most size items each, preserving
// order; used by the summary reduce phase to fold at most
// ReduceBatchSize partial summaries per pass.
func Batch[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	if size <= 0 {
		return nil
	}
	var batches [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
