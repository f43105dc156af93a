package batch

import "sort"

// mappedRecord keeps the caller's input position next to the record so results
// can be re-sorted when ordering must follow the input.
type mappedRecord struct {
	record   ResponseRecord
	position int
}

// mapResponses resolves every sub-response to the URL of the request that
// produced it. An id unknown to the chunk is an invariant violation.
func mapResponses(chunk Chunk, responses []SubResponse) ([]mappedRecord, error) {
	records := make([]mappedRecord, 0, len(responses))
	for _, resp := range responses {
		req, ok := chunk.Lookup(resp.ID)
		if !ok {
			return nil, &CorrelationError{ID: resp.ID, Reason: "no request with this id in chunk"}
		}
		records = append(records, mappedRecord{
			record: ResponseRecord{
				URL:     req.URL,
				Status:  resp.Status,
				Headers: resp.Headers,
				Body:    resp.Body,
			},
			position: req.position,
		})
	}
	return records, nil
}

// verifyCorrelation checks that responses answer every pending request exactly once.
func verifyCorrelation(pending []SubRequest, responses []SubResponse) error {
	expected := make(map[string]bool, len(pending))
	for _, req := range pending {
		expected[req.ID] = false
	}

	for _, resp := range responses {
		seen, ok := expected[resp.ID]
		if !ok {
			return &CorrelationError{ID: resp.ID, Reason: "response for unknown request"}
		}
		if seen {
			return &CorrelationError{ID: resp.ID, Reason: "duplicate response"}
		}
		expected[resp.ID] = true
	}

	for _, req := range pending {
		if !expected[req.ID] {
			return &CorrelationError{ID: req.ID, Reason: "missing response"}
		}
	}
	return nil
}

func sortByPosition(records []mappedRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].position < records[j].position
	})
}
