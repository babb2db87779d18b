package ledger

import (
	"context"
	"time"
)

// IntentKind selects the delivery channel for a notification.
type IntentKind string

const (
	// IntentEmailPointsReceived is delivered by mail.
	IntentEmailPointsReceived IntentKind = "email_points_received"
	// IntentLogPointsReceived stands in for SMS and is only logged.
	IntentLogPointsReceived IntentKind = "log_points_received"
)

// Intent is a request to tell an account holder about received points.
// It carries everything a sink needs; sinks never call back into the ledger.
type Intent struct {
	Kind          IntentKind
	AccountID     AccountID
	Recipient     string
	TransactionID TransactionID
	PointsAmount  int64
	Balance       int64
	CreatedAt     time.Time
}

// Notifier accepts intents. Emit must not block on delivery.
type Notifier interface {
	Emit(ctx context.Context, intent Intent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, intent Intent) error

func (f NotifierFunc) Emit(ctx context.Context, intent Intent) error { return f(ctx, intent) }

// PointsReceivedIntents builds the intents for a deposit according to the
// account's opt-ins. Returns nil when no channel is enabled.
func PointsReceivedIntents(account Account, tx Transaction, balance int64, now time.Time) []Intent {
	var intents []Intent
	if account.Email != "" && account.EmailNotification {
		intents = append(intents, Intent{
			Kind:          IntentEmailPointsReceived,
			AccountID:     account.ID,
			Recipient:     account.Email,
			TransactionID: tx.ID,
			PointsAmount:  tx.PointsAmount,
			Balance:       balance,
			CreatedAt:     now,
		})
	}
	if account.Phone != "" && account.PhoneNotification {
		intents = append(intents, Intent{
			Kind:          IntentLogPointsReceived,
			AccountID:     account.ID,
			Recipient:     account.Phone,
			TransactionID: tx.ID,
			PointsAmount:  tx.PointsAmount,
			Balance:       balance,
			CreatedAt:     now,
		})
	}
	return intents
}
