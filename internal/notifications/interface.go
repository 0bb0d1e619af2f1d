package notifications

import "context"

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one message for the alert sink. Key is stable per alert
// cause so duplicates can be collapsed.
type Alert struct {
	Key       string
	Text      string
	Severity  Severity
	ImagePath string
}

// Notifier delivers alerts. Delivery is best-effort and must be safe
// to call from any goroutine.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// Nop discards all alerts.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, Alert) error { return nil }
