// Package threat correlates audit events into alerts. It reads the
// committed audit stream and never sits on the command path.
package threat

import (
	"fmt"
	"time"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// ParseSeverity converts a configured severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, ok := severityOrder[sev]; !ok {
		return "", fmt.Errorf("threat: unknown severity %q", s)
	}
	return sev, nil
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityOrder[s] >= severityOrder[min]
}

// Recommended actions attached to alerts.
const (
	ActionReview        = "review-session"
	ActionSuspendClient = "suspend-client"
	ActionInvestigate   = "investigate-audit-log"
	ActionRotateCreds   = "rotate-credentials"
)

// Alert is an advisory finding.
type Alert struct {
	ID                string    `json:"id"`
	Rule              string    `json:"rule"`
	Severity          Severity  `json:"severity"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	ClientID          string    `json:"client_id,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	Seqs              []uint64  `json:"seqs"`
	Fingerprint       string    `json:"fingerprint"`
	RecommendedAction string    `json:"recommended_action"`
	CreatedAt         time.Time `json:"created_at"`
}
