package model

// RunListOptions groups parameters for listing job runs with optional filters
// (monitoring UI view).
type RunListOptions struct {
	Status  *RunStatus // Optional filter by status
	JobName *string    // Optional filter by job_name
	Limit   int        // Pagination limit
	Offset  int        // Pagination offset
}

// RunStatsOptions groups parameters for the run counters query.
type RunStatsOptions struct {
	JobName *string // Optional scope to a single job_name
}
