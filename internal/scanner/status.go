package scanner

import "time"

// State is the scanner's position within a tick.
type State string

const (
	StateIdle     State = "idle"
	StateScanning State = "scanning"
	StateChecked  State = "checked"
	StateSkipped  State = "skipped"
	StateEnqueued State = "enqueued"
)

// Status is a point-in-time view of a scanner.
type Status struct {
	Source           string        `json:"source"`
	Path             string        `json:"path"`
	Mode             Mode          `json:"mode"`
	State            State         `json:"state"`
	LastScanAt       time.Time     `json:"last_scan_at,omitzero"`
	LastScanDuration time.Duration `json:"last_scan_duration"`
	Candidates       int           `json:"candidates"`
	Enqueued         int64         `json:"enqueued"`
	Skipped          int64         `json:"skipped"`
	Scans            int64         `json:"scans"`
	LastError        string        `json:"last_error,omitempty"`
	LastErrorAt      time.Time     `json:"last_error_at,omitzero"`
}

// Status returns the latest scanner information.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scanner) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}

func (s *Scanner) recordScan(start time.Time, candidates int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Scans++
	s.status.LastScanAt = start
	s.status.LastScanDuration = s.now().Sub(start)
	s.status.Candidates = candidates
	if err != nil {
		s.status.LastError = err.Error()
		s.status.LastErrorAt = s.now()
	}
}
