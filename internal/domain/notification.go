package domain

import "time"

// ProcessedNotification records a processor webhook event that has been
// applied. The event ID is the document key, so a second insert for the same
// event fails and the pipeline treats the delivery as a replay. Records are
// append-only and retained for audit; the payload snapshot is minimised to
// amount, currency, and status.
type ProcessedNotification struct {
	EventID    string
	EventType  string
	PaymentRef string
	OrderID    string
	Amount     int64
	Currency   string
	Status     string
	ReceivedAt time.Time
}
