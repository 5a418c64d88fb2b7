// Package health reports scanner freshness and block lag over HTTP.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ScannerHealth contains the health of one scanner on one chain.
type ScannerHealth struct {
	Name        string       `json:"name"`
	Chain       string       `json:"chain"`
	Status      SystemStatus `json:"status"`
	Checkpoint  int64        `json:"checkpoint"`
	Head        uint64       `json:"head,omitempty"`
	BlockLag    uint64       `json:"block_lag"`
	LastUpdated *time.Time   `json:"last_updated,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus             `json:"system_status"`
	Scanners     map[string]ScannerHealth `json:"scanners"`
}

// Aggregate returns the worst status in report.
func Aggregate(report map[string]ScannerHealth) SystemStatus {
	status := StatusHealthy
	for _, s := range report {
		if s.Status == StatusCritical {
			return StatusCritical
		}
		if s.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
