package workflow

import "time"

// Status is a point-in-time view of a worker.
type Status struct {
	Source      string     `json:"source"`
	Running     bool       `json:"running"`
	Draining    bool       `json:"draining"`
	Pending     int        `json:"pending"`
	Current     *QueueItem `json:"current,omitempty"`
	LastItem    *QueueItem `json:"last_item,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt time.Time  `json:"last_error_at,omitzero"`
	Processed   int64      `json:"processed"`
	Skipped     int64      `json:"skipped"`
	Failed      int64      `json:"failed"`
}

// Status returns the latest worker information.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	summary := Status{
		Source:    w.source,
		Running:   w.running,
		Draining:  w.draining,
		Pending:   len(w.queue),
		Processed: w.counts[OutcomeProcessed],
		Skipped:   w.counts[OutcomeSkipped],
		Failed:    w.counts[OutcomeFailed],
	}
	if w.current != nil {
		copy := *w.current
		summary.Current = &copy
	}
	if w.lastItem != nil {
		copy := *w.lastItem
		summary.LastItem = &copy
	}
	if w.lastErr != nil {
		summary.LastError = w.lastErr.Error()
		summary.LastErrorAt = w.lastErrAt
	}
	return summary
}
