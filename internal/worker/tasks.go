package worker

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TypeStorageReconcile 是存储单元对账任务的类型名。
const TypeStorageReconcile = "storage:reconcile"

// ReconcilePayload 是对账任务的载荷。
type ReconcilePayload struct {
	DryRun bool `json:"dry_run"`
}

// NewReconcileTask 构造一个对账任务。
func NewReconcileTask(dryRun bool) (*asynq.Task, error) {
	payload, err := json.Marshal(ReconcilePayload{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeStorageReconcile, payload, asynq.MaxRetry(3)), nil
}
