package types

// MeasureRequest asks the measurer to measure a trial's snapshots
// starting at the given cycle. Received from RabbitMQ.
type MeasureRequest struct {
	Experiment string `json:"experiment"`
	Fuzzer     string `json:"fuzzer"`
	Benchmark  string `json:"benchmark"`
	TrialID    int    `json:"trial_id"`
	Cycle      int    `json:"cycle"`
}
