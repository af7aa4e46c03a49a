package signup

import (
	"fmt"
	"html"
	"sync"
)

// Severity classifies an alert for display.
type Severity string

// Alert severities. Primary marks an accepted submission, danger a rejected
// or blocked one, warning a submission that never reached the backend.
const (
	SeverityPrimary Severity = "primary"
	SeverityDanger  Severity = "danger"
	SeverityWarning Severity = "warning"
)

// Alert is one notification shown in the page's alert container.
type Alert struct {
	Severity Severity
	Message  string
}

// HTML renders the alert as a dismissible bootstrap alert element.
func (a Alert) HTML() string {
	return fmt.Sprintf(
		`<div class="alert alert-%s alert-dismissible fade show" role="alert">%s<button type="button" class="btn-close" data-bs-dismiss="alert" aria-label="Close"></button></div>`,
		a.Severity, html.EscapeString(a.Message),
	)
}

// AlertLog accumulates alerts for a page. Appends never replace earlier
// alerts; the container keeps everything until the user dismisses it.
type AlertLog struct {
	mu     sync.Mutex
	alerts []Alert
}

// Append records a new alert and returns it.
func (l *AlertLog) Append(severity Severity, message string) Alert {
	alert := Alert{Severity: severity, Message: message}
	l.mu.Lock()
	l.alerts = append(l.alerts, alert)
	l.mu.Unlock()
	return alert
}

// Alerts returns all recorded alerts in append order.
func (l *AlertLog) Alerts() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Alert(nil), l.alerts...)
}

// Len reports how many alerts have accumulated.
func (l *AlertLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.alerts)
}
