package casesync

import "context"

// FetchResult carries the records of one upstream call along with the HTTP
// requests it took, so the coordinator can tally API traffic and tests can
// assert retry behavior.
type FetchResult struct {
	Records  []RawRecord
	Attempts int
}

// Source is the upstream feed. Implementations own authentication,
// envelope decoding and bounded retry; an error return means the attempt
// budget is exhausted and the caller should treat the call as a hard
// failure. An upstream "not found" is an empty result, not an error.
type Source interface {
	// FetchWindow queries endpoint for all records in the window.
	FetchWindow(ctx context.Context, endpoint string, w Window) (FetchResult, error)

	// FetchByID queries endpoint for the records of a single entity.
	FetchByID(ctx context.Context, endpoint, id string) (FetchResult, error)
}
