package domain

import "time"

// ScanReport summarizes one full scan pass over the market catalog.
type ScanReport struct {
	ID               string          `json:"id"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	MarketsListed    int             `json:"markets_listed"`
	MarketsEvaluated int             `json:"markets_evaluated"`
	QuotesFetched    int             `json:"quotes_fetched"`
	QuoteFailures    int             `json:"quote_failures"`
	Matches          []StrategyMatch `json:"matches"`
	Partial          bool            `json:"partial"` // catalog fetch degraded mid-way
	Error            string          `json:"error,omitempty"`
}

// MatchCount returns the number of matches in the report.
func (r ScanReport) MatchCount() int {
	return len(r.Matches)
}

// Duration returns the wall-clock time the pass took.
func (r ScanReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ServiceStatus is a snapshot of the scanner service for the control
// surface.
type ServiceStatus struct {
	Running        bool       `json:"running"`
	Paused         bool       `json:"paused"`
	Scanning       bool       `json:"scanning"`
	AutoExecute    bool       `json:"auto_execute"`
	MonitorState   string     `json:"monitor_state"`
	MonitorAssets  int        `json:"monitor_assets"`
	ScansRun       int64      `json:"scans_run"`
	MarketsScanned int64      `json:"markets_scanned"`
	MatchesFound   int64      `json:"matches_found"`
	ScanErrors     int64      `json:"scan_errors"`
	LastScanID     string     `json:"last_scan_id,omitempty"`
	LastScanAt     *time.Time `json:"last_scan_at,omitempty"`
	Queue          QueueStats `json:"queue"`
}
