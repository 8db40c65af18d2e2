package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/protocol"
)

func TestClassifyAECP(t *testing.T) {
	assert.Equal(t, ActionSuccess, ClassifyAECP(protocol.AECPSuccess))
	assert.Equal(t, ActionTimedOut, ClassifyAECP(protocol.AECPTimedOut))
	assert.Equal(t, ActionBusy, ClassifyAECP(protocol.AECPEntityLocked))
	assert.Equal(t, ActionNotSupported, ClassifyAECP(protocol.AECPNotImplemented))
	assert.Equal(t, ActionMisbehaveContinue, ClassifyAECP(protocol.AECPEntityMisbehaving))
	assert.Equal(t, ActionErrorFatal, ClassifyAECP(protocol.AECPStatus(999)))
}

func TestBudgetExhaustion(t *testing.T) {
	c := NewController()
	class := model.QueryClassDynamicInfo
	limit := Budget[class]

	for attempt := 1; attempt <= limit; attempt++ {
		d := c.Evaluate(model.EntityID(1), class, ActionTimedOut, attempt)
		assert.True(t, d.ShouldRetry, "attempt %d should retry", attempt)
	}
	d := c.Evaluate(model.EntityID(1), class, ActionTimedOut, limit+1)
	assert.False(t, d.ShouldRetry)
	assert.True(t, d.BudgetExceeded)
}

func TestNonRetriableNeverRetries(t *testing.T) {
	c := NewController()
	d := c.Evaluate(model.EntityID(1), model.QueryClassDescriptor, ActionBadArguments, 1)
	assert.False(t, d.ShouldRetry)
	assert.False(t, d.BudgetExceeded)
}
