// Package retry implements the Failure Classifier & Retry Controller of
// §4.F: mapping protocol status codes to a FailureAction, and tracking
// per-query-class backoff and attempt budgets.
package retry

import (
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/protocol"
)

var retryLogger = logrus.WithFields(logrus.Fields{"module": "retry"})

// FailureAction is the fixed set of recovery actions from §4.F.
type FailureAction int

const (
	ActionSuccess FailureAction = iota
	ActionNotAuthenticated
	ActionTimedOut
	ActionBusy
	ActionNotSupported
	ActionBadArguments
	ActionWarningContinue
	ActionErrorContinue
	ActionMisbehaveContinue
	ActionErrorFatal
)

func (a FailureAction) String() string {
	switch a {
	case ActionSuccess:
		return "Success"
	case ActionNotAuthenticated:
		return "NotAuthenticated"
	case ActionTimedOut:
		return "TimedOut"
	case ActionBusy:
		return "Busy"
	case ActionNotSupported:
		return "NotSupported"
	case ActionBadArguments:
		return "BadArguments"
	case ActionWarningContinue:
		return "WarningContinue"
	case ActionErrorContinue:
		return "ErrorContinue"
	case ActionMisbehaveContinue:
		return "MisbehaveContinue"
	default:
		return "ErrorFatal"
	}
}

// IsRetriable reports whether the action warrants scheduling a retry.
func (a FailureAction) IsRetriable() bool {
	return a == ActionTimedOut || a == ActionBusy
}

// IsTerminal reports whether the action ends the query (success or a
// non-retriable classification) without scheduling more wire traffic for
// the same logical query.
func (a FailureAction) IsTerminal() bool {
	return !a.IsRetriable()
}

// ClassifyAECP maps an AEM AECP status to a FailureAction.
func ClassifyAECP(status protocol.AECPStatus) FailureAction {
	switch status {
	case protocol.AECPSuccess:
		return ActionSuccess
	case protocol.AECPNotAuthenticated, protocol.AECPAuthenticationDisabled:
		return ActionNotAuthenticated
	case protocol.AECPTimedOut, protocol.AECPNetworkError:
		return ActionTimedOut
	case protocol.AECPEntityLocked, protocol.AECPEntityAcquired, protocol.AECPNoResources, protocol.AECPInProgress:
		return ActionBusy
	case protocol.AECPNotImplemented, protocol.AECPNotSupported:
		return ActionNotSupported
	case protocol.AECPBadArguments, protocol.AECPNoSuchDescriptor:
		return ActionBadArguments
	case protocol.AECPEntityMisbehaving:
		return ActionMisbehaveContinue
	case protocol.AECPStreamIsRunning:
		return ActionWarningContinue
	default:
		return ActionErrorFatal
	}
}

// ClassifyACMP maps an ACMP status to a FailureAction.
func ClassifyACMP(status protocol.ACMPStatus) FailureAction {
	switch status {
	case protocol.ACMPSuccess:
		return ActionSuccess
	case protocol.ACMPControllerNotAuthorized:
		return ActionNotAuthenticated
	case protocol.ACMPListenerTalkerTimeout, protocol.ACMPTimedOut, protocol.ACMPNetworkError, protocol.ACMPCouldNotSendMessage:
		return ActionTimedOut
	case protocol.ACMPListenerExclusive, protocol.ACMPTalkerExclusive, protocol.ACMPTalkerNoBandwidth, protocol.ACMPStateUnavailable:
		return ActionBusy
	case protocol.ACMPNotSupported:
		return ActionNotSupported
	case protocol.ACMPListenerUnknownID, protocol.ACMPTalkerUnknownID, protocol.ACMPTalkerNoStreamIndex,
		protocol.ACMPTalkerDestMacFail, protocol.ACMPIncompatibleRequest, protocol.ACMPNotConnected, protocol.ACMPNoSuchConnection:
		return ActionBadArguments
	case protocol.ACMPTalkerMisbehaving, protocol.ACMPListenerMisbehaving:
		return ActionMisbehaveContinue
	default:
		return ActionErrorFatal
	}
}

// ClassifyMVU maps an MVU status to a FailureAction.
func ClassifyMVU(status protocol.MVUStatus) FailureAction {
	switch status {
	case protocol.MVUSuccess:
		return ActionSuccess
	case protocol.MVUTimedOut, protocol.MVUNetworkError:
		return ActionTimedOut
	case protocol.MVUNotImplemented:
		return ActionNotSupported
	case protocol.MVUBadArguments:
		return ActionBadArguments
	case protocol.MVUBaseProtocolViolation:
		return ActionMisbehaveContinue
	default:
		return ActionErrorFatal
	}
}

// Budget is the per-query-class retry ceiling (invariant 4 "N_class").
var Budget = [model.QueryClassCount]int{
	model.QueryClassMilanInfo:                3,
	model.QueryClassDescriptor:                5,
	model.QueryClassDynamicInfo:               5,
	model.QueryClassDescriptorDynamicInfo:     5,
	model.QueryClassRegisterUnsol:             3,
	model.QueryClassCheckPackedDynamicInfo:    2,
	model.QueryClassGetPackedDynamicInfo:      3,
}

// newBackoff returns the doubling-with-ceiling policy shared by every
// class; each Controller holds its own *backoff.Backoff instance per class
// (jpillora/backoff is explicitly documented as not safe for concurrent
// reuse across logical retry sequences).
func newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// Decision is the outcome of evaluating a failure against the retry budget
// (invariant 4): whether to retry, and if so, after how long.
type Decision struct {
	ShouldRetry   bool
	DelayUntil    time.Time
	BudgetExceeded bool
}

// Controller tracks per-entity, per-class backoff state. One Controller is
// created per ControlledEntity by the Engine.
type Controller struct {
	backoffs [model.QueryClassCount]*backoff.Backoff
}

// NewController returns a Controller with a fresh backoff per class.
func NewController() *Controller {
	c := &Controller{}
	for i := range c.backoffs {
		c.backoffs[i] = newBackoff()
	}
	return c
}

// Evaluate decides whether to retry a failed query of the given class for
// entityID, given the attempt count already recorded on the entity
// (model.ControlledEntity.IncrementRetry is called by the caller before
// Evaluate, so attempt includes the just-failed try).
func (c *Controller) Evaluate(entityID model.EntityID, class model.QueryClass, action FailureAction, attempt int) Decision {
	logger := retryLogger.WithFields(logrus.Fields{"entityID": entityID, "class": class, "action": action, "attempt": attempt})
	if !action.IsRetriable() {
		logger.Debug("non-retriable classification, not scheduling retry")
		return Decision{ShouldRetry: false}
	}
	if attempt > Budget[class] {
		logger.Warn("retry budget exhausted, escalating")
		return Decision{ShouldRetry: false, BudgetExceeded: true}
	}
	delay := c.backoffs[class].Duration()
	logger.WithFields(logrus.Fields{"delay": delay}).Debug("scheduling retry")
	return Decision{ShouldRetry: true, DelayUntil: time.Now().Add(delay)}
}

// ResetClass clears the backoff state for a class (on success).
func (c *Controller) ResetClass(class model.QueryClass) {
	c.backoffs[class].Reset()
}
