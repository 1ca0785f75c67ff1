package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionWarmup reloads role permission sets into the cache.
	TaskPermissionWarmup = "rbac:permission_warmup"
)

// PermissionWarmupPayload controls a warmup run. Refresh drops every cached
// set before reloading.
type PermissionWarmupPayload struct {
	Refresh bool `json:"refresh"`
}

// NewPermissionWarmupTask constructs an Asynq task.
func NewPermissionWarmupTask(refresh bool) (*asynq.Task, error) {
	data, err := json.Marshal(PermissionWarmupPayload{Refresh: refresh})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionWarmup, data), nil
}
