package statusstore_test

import (
	"testing"

	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
	"github.com/stretchr/testify/assert"
)

func TestJobKey(t *testing.T) {
	assert.Equal(t, "job:abc", statusstore.JobKey("abc"))
}

func TestCancelFlagKey(t *testing.T) {
	assert.Equal(t, "task-aborted:abc", statusstore.CancelFlagKey("abc"))
}

func TestWorkflowStateKey(t *testing.T) {
	assert.Equal(t, "workflow_state:workflow_1", statusstore.WorkflowStateKey("workflow_1"))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "ratelimit:10.0.0.1", statusstore.RateLimitKey("10.0.0.1"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	id := "same-id"
	keys := map[string]bool{
		statusstore.JobKey(id):           true,
		statusstore.CancelFlagKey(id):    true,
		statusstore.WorkflowStateKey(id): true,
		statusstore.RateLimitKey(id):     true,
		statusstore.ActiveJobsKey:        true,
		statusstore.BatchStatusKey:       true,
		statusstore.GlobalStatusKey:      true,
	}
	assert.Len(t, keys, 7, "all keys should be unique")
}
