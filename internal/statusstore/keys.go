package statusstore

import (
	"fmt"
	"time"
)

const (
	// JobTTL is the retention of every job-scoped key.
	JobTTL = 24 * time.Hour
	// CancelFlagTTL bounds how long an unobserved cancel request stays armed.
	CancelFlagTTL = time.Hour

	ActiveJobsKey   = "active_jobs"
	BatchStatusKey  = "batch_job_status"
	GlobalStatusKey = "global_app_status"
)

func JobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func CancelFlagKey(jobID string) string {
	return fmt.Sprintf("task-aborted:%s", jobID)
}

func WorkflowStateKey(jobID string) string {
	return fmt.Sprintf("workflow_state:%s", jobID)
}

func RateLimitKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}
