/*
scheduler.go - Scheduled negative-balance audit

PURPOSE:
  Cancelling a deposit whose points were already spent leaves the account
  with a negative net. Spending stays blocked (Balance clamps to zero), but
  operators need to know. The audit folds every account's journal and
  reports the ones below zero.

DESIGN:
  - Auditor does one pass; it is also called by POST /api/admin/audit
  - AuditScheduler runs the Auditor on a cron expression (AUDIT_SCHEDULE)
  - Overlapping runs are skipped, panics in a run are recovered

USAGE:
  scheduler, err := NewAuditScheduler(auditor, "0 3 * * *", logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerAudit endpoint (manual run)
  - ledger/balance.go: Summary.Net
*/
package api

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-ledger/ledger"
)

// AuditFinding is an account whose net balance is below zero.
type AuditFinding struct {
	AccountID string `json:"account_id"`
	Net       int64  `json:"net"`
	Deposited int64  `json:"deposited"`
	Withdrawn int64  `json:"withdrawn"`
}

// Auditor scans all accounts for negative net balances.
type Auditor struct {
	Accounts ledger.AccountDirectory
	Engine   *ledger.Engine
	Logger   logrus.FieldLogger
}

func NewAuditor(accounts ledger.AccountDirectory, engine *ledger.Engine) *Auditor {
	return &Auditor{Accounts: accounts, Engine: engine}
}

// Run folds every account once. An account whose journal cannot be read is
// logged and skipped; listing failures abort the run.
func (a *Auditor) Run(ctx context.Context) ([]AuditFinding, error) {
	log := a.log()

	accounts, err := a.Accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	findings := []AuditFinding{}
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		summary, err := a.Engine.Summary(ctx, account.ID)
		if err != nil {
			log.WithError(err).WithField("account", account.ID).Warn("Audit skipped account")
			continue
		}
		if summary.Net >= 0 {
			continue
		}
		log.WithFields(logrus.Fields{
			"account":   account.ID,
			"net":       summary.Net,
			"deposited": summary.Deposited,
			"withdrawn": summary.Withdrawn,
		}).Warn("Account has negative net balance")
		findings = append(findings, AuditFinding{
			AccountID: string(account.ID),
			Net:       summary.Net,
			Deposited: summary.Deposited,
			Withdrawn: summary.Withdrawn,
		})
	}

	log.WithFields(logrus.Fields{"accounts": len(accounts), "negative": len(findings)}).Info("Audit completed")
	return findings, nil
}

func (a *Auditor) log() logrus.FieldLogger {
	if a.Logger != nil {
		return a.Logger
	}
	return logrus.StandardLogger()
}

// AuditScheduler runs the Auditor on a cron schedule.
type AuditScheduler struct {
	auditor  *Auditor
	schedule string
	cron     *cron.Cron
	logger   logrus.FieldLogger
}

// NewAuditScheduler validates schedule (standard 5-field cron) up front so a
// bad AUDIT_SCHEDULE fails startup instead of silently never running.
func NewAuditScheduler(auditor *Auditor, schedule string, logger logrus.FieldLogger) (*AuditScheduler, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", schedule, err)
	}

	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	return &AuditScheduler{
		auditor:  auditor,
		schedule: schedule,
		cron:     c,
		logger:   logger,
	}, nil
}

// Start registers the audit job and starts the scheduler. ctx bounds every run.
func (s *AuditScheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule audit: %w", err)
	}
	s.cron.Start()
	s.logger.WithField("schedule", s.schedule).Info("Audit scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Audit scheduler stopped")
}

func (s *AuditScheduler) runOnce(ctx context.Context) {
	if _, err := s.auditor.Run(ctx); err != nil {
		s.logger.WithError(err).Error("Audit failed")
	}
}
