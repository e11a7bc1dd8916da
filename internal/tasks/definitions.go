package tasks

import (
	"log/slog"
	"time"
)

// Dependencies are the services task handlers need
type Dependencies struct {
	Donations  DonationWorkflow
	Email      EmailSender
	Whatsapp   WhatsappSender
	StaleAfter time.Duration
	SweepLimit int
	Logger     *slog.Logger
}

// DefineTasks registers all available tasks
func DefineTasks(registry *Registry, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tasks")

	logInfo := &LogInfoTaskDef{logger: logger}
	registry.Register(logInfo.TaskID(), logInfo.HandleExecution)

	if deps.Donations == nil {
		return
	}

	await := &AwaitSettlementTaskDef{donations: deps.Donations}
	registry.Register(await.TaskID(), await.HandleExecution)

	reconcile := &ReconcileTaskDef{donations: deps.Donations, staleAfter: deps.StaleAfter, limit: deps.SweepLimit}
	if reconcile.staleAfter <= 0 {
		reconcile.staleAfter = 10 * time.Minute
	}
	if reconcile.limit <= 0 {
		reconcile.limit = 50
	}
	registry.Register(reconcile.TaskID(), reconcile.HandleExecution)

	receipt := &ReceiptTaskDef{donations: deps.Donations, email: deps.Email, whatsapp: deps.Whatsapp, logger: logger}
	registry.Register(receipt.TaskID(), receipt.HandleExecution)
}
