package ingest

import "strings"

// Default chunking parameters, in words.
const (
	DefaultChunkWords   = 200
	DefaultOverlapWords = 40
)

// Chunk splits text into windows of at most size words, each overlapping the
// previous one by overlap words. Short text yields a single chunk.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkWords
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= size {
		return []string{strings.Join(words, " ")}
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
