package tasks

import (
	"context"
	"log/slog"

	"voh_site_echo/internal/models"
)

const LogInfoTaskName = "log_info"

// LogInfoTaskDef writes its message to the worker log. Useful to check a deployment end to end.
type LogInfoTaskDef struct {
	logger *slog.Logger
}

// TaskID returns the unique identifier for this task
func (t *LogInfoTaskDef) TaskID() string {
	return LogInfoTaskName
}

// HandleExecution handles logging information
func (t *LogInfoTaskDef) HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error) {
	message, ok := task.Arguments["message"].(string)
	if !ok {
		message = "No message provided"
	}
	t.logger.Info(message, "task", LogInfoTaskName, "task_id", task.ID)

	return map[string]interface{}{
		"status":            "success",
		"message":           message,
		"max_attempts_info": task.MaxAttempt,
	}, nil
}
