package orchestrator

import (
	"github.com/orbitlab/kessler/internal/model"
	"github.com/orbitlab/kessler/internal/queue"
)

// StatusView is the client-facing status payload: a pure read-side mapping
// of internal job and task state.
type StatusView struct {
	JobID      string `json:"job_id,omitempty"`
	TaskHandle string `json:"task_handle,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Progress   int    `json:"progress"`
	Stage      string `json:"stage,omitempty"`
	ResultRef  string `json:"result_ref,omitempty"`
}

// StatusUnknown is reported when neither the store nor the queue knows the
// reference. Callers must treat it as distinct from failed.
const StatusUnknown = "unknown"

// FromQueueStatus maps a queue task status to the client-facing vocabulary.
func FromQueueStatus(qs string) string {
	switch qs {
	case queue.StatusPending:
		return model.StatusPending
	case queue.StatusRunning:
		return model.StatusRunning
	case queue.StatusSucceeded:
		return model.StatusCompleted
	case queue.StatusFailed:
		return model.StatusFailed
	default:
		return StatusUnknown
	}
}

func describe(status string) string {
	switch status {
	case model.StatusPending:
		return "simulation has not started yet"
	case model.StatusRunning:
		return "simulation is in progress"
	case model.StatusCompleted:
		return "simulation completed successfully"
	case model.StatusFailed:
		return "simulation failed"
	default:
		return "unknown or expired task handle"
	}
}

// buildView merges the authoritative job record with the queue's view. The
// queue only refines the pending case: it tells apart a task waiting for
// pickup from one the queue has already forgotten.
func buildView(job *model.SimulationJob, queueStatus string) *StatusView {
	v := &StatusView{
		JobID:      job.ID,
		TaskHandle: job.TaskID,
		Status:     job.Status,
		Message:    describe(job.Status),
		Progress:   job.Progress,
		Stage:      job.Stage,
		ResultRef:  job.ResultRef,
	}
	if job.Status == model.StatusFailed && job.Error != "" {
		v.Message = job.Error
	}
	if job.Status == model.StatusPending && queueStatus == queue.StatusUnknown {
		v.Message = "task not yet picked up"
	}
	return v
}

// queueOnlyView reports from the queue alone when no job record exists.
func queueOnlyView(handle, queueStatus string) *StatusView {
	status := FromQueueStatus(queueStatus)
	return &StatusView{
		TaskHandle: handle,
		Status:     status,
		Message:    describe(status),
	}
}
