package darkroom

// State tracks run progress. One value per run, owned and mutated only by
// the orchestrator; the journal mirrors it but never feeds back into it.
type State struct {
	// Successful counts slots that produced a verified image. Grows by
	// exactly one per successful slot, up to the target.
	Successful int
	// TotalAttempts counts slots started, successful or not. Monotonically
	// increasing; also serves as the slot index in output filenames.
	TotalAttempts int
	// RetryCount counts retryable outcomes within the current slot. Reset
	// to zero at each new slot; never exceeds the retry cap.
	RetryCount int
}

// Summary is what a finished run reports.
type Summary struct {
	RunID         string `json:"run_id"`
	Successful    int    `json:"successful"`
	TotalAttempts int    `json:"total_attempts"`
	Completed     bool   `json:"completed"`
}
