package client

// Stats is the aggregate pass/fail statistics response.
type Stats struct {
	Batches []BatchStats `json:"batches"`
}

// BatchStats holds the derived run counters for one batch.
type BatchStats struct {
	BatchID string `json:"batch_id"`
	Runs    int    `json:"runs"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
}

// ErrorResponse is the service's JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
