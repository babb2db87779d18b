package notify

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-ledger/ledger"
)

// LogSink writes intents to the log. It is the SMS stand-in and the only
// sink when no broker is configured.
type LogSink struct {
	logger logrus.FieldLogger
}

func NewLogSink(logger logrus.FieldLogger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, intent ledger.Intent) error {
	s.logger.WithFields(logrus.Fields{
		"channel":   channel(intent.Kind),
		"recipient": intent.Recipient,
		"account":   intent.AccountID,
		"tx":        intent.TransactionID,
	}).Info(Message(intent))
	return nil
}

// Message is the customer-facing text of a points-received notification.
func Message(intent ledger.Intent) string {
	return fmt.Sprintf("You received %d. Your balance %d", intent.PointsAmount, intent.Balance)
}

func channel(kind ledger.IntentKind) string {
	switch kind {
	case ledger.IntentEmailPointsReceived:
		return "email"
	case ledger.IntentLogPointsReceived:
		return "sms"
	}
	return string(kind)
}
