// Package embedding turns scraped page text into stored chunk vectors and
// serves similarity lookups over them.
package embedding

import (
	"strings"

	"github.com/chatlas/ingest/internal/pipeline"
)

const (
	// chunkSize is the target chunk length in characters.
	chunkSize = 1000
	// chunkOverlap seeds each chunk with the tail of its predecessor so
	// retrieval keeps context across chunk boundaries.
	chunkOverlap = 200
	// minChunkLen discards near-empty trailing fragments.
	minChunkLen = 50
)

// SplitIntoChunks deterministically splits content into overlapping
// token-bounded chunks. It is a pure function: same input, same chunks.
// Progress through the input is strictly monotonic, so it terminates even
// when a single token exceeds the chunk size.
func SplitIntoChunks(content, pageURL string) []pipeline.Chunk {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}

	var (
		chunks  []pipeline.Chunk
		current strings.Builder
	)
	emit := func() {
		text := strings.TrimSpace(current.String())
		if len(text) > minChunkLen {
			chunks = append(chunks, pipeline.Chunk{
				Content: text,
				PageURL: pageURL,
				Index:   len(chunks),
			})
		}
	}

	for _, word := range words {
		if current.Len() > 0 && current.Len()+1+len(word) > chunkSize {
			emit()
			seed := overlapTail(current.String())
			current.Reset()
			current.WriteString(seed)
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	emit()
	return chunks
}

// overlapTail returns the trailing ~chunkOverlap characters of text,
// rounded forward to a word boundary.
func overlapTail(text string) string {
	if len(text) <= chunkOverlap {
		return text
	}
	tail := text[len(text)-chunkOverlap:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 {
		tail = tail[idx+1:]
	}
	return tail
}
