package batch

import "strconv"

// Chunk is one group of at most MaxChunkSize sub-requests with ids "1".."n".
// It owns the index used to map sub-responses back to their requests and is
// discarded once the chunk is resolved.
type Chunk struct {
	Requests []SubRequest
	index    map[string]SubRequest
}

// Split groups requests into chunks of at most size entries, preserving order.
// Sizes outside 1..MaxChunkSize fall back to MaxChunkSize.
func Split(requests []SubRequest, size int) []Chunk {
	if size <= 0 || size > MaxChunkSize {
		size = MaxChunkSize
	}

	chunks := make([]Chunk, 0, (len(requests)+size-1)/size)
	for start := 0; start < len(requests); start += size {
		end := start + size
		if end > len(requests) {
			end = len(requests)
		}
		chunks = append(chunks, newChunk(requests[start:end]))
	}
	return chunks
}

// newChunk copies requests and assigns chunk-local ids starting at "1".
func newChunk(requests []SubRequest) Chunk {
	c := Chunk{
		Requests: make([]SubRequest, len(requests)),
		index:    make(map[string]SubRequest, len(requests)),
	}
	for i, req := range requests {
		req.ID = strconv.Itoa(i + 1)
		c.Requests[i] = req
		c.index[req.ID] = req
	}
	return c
}

// Lookup returns the sub-request with the given chunk-local id.
func (c Chunk) Lookup(id string) (SubRequest, bool) {
	req, ok := c.index[id]
	return req, ok
}
