package models

import (
	"fmt"
	"time"
)

// WorkflowStatus is the rollout state machine position.
type WorkflowStatus string

const (
	StatusPending          WorkflowStatus = "pending"
	StatusAnalyzing        WorkflowStatus = "analyzing"
	StatusCoordinating     WorkflowStatus = "coordinating"
	StatusAwaitingApproval WorkflowStatus = "awaiting_approval"
	StatusExecuting10      WorkflowStatus = "executing_10"
	StatusMonitoring10     WorkflowStatus = "monitoring_10"
	StatusExecuting50      WorkflowStatus = "executing_50"
	StatusMonitoring50     WorkflowStatus = "monitoring_50"
	StatusExecuting100     WorkflowStatus = "executing_100"
	StatusMonitoring100    WorkflowStatus = "monitoring_100"
	StatusComplete         WorkflowStatus = "complete"
	StatusFailed           WorkflowStatus = "failed"
	StatusRolledBack       WorkflowStatus = "rolled_back"
)

// ValidTransitions is the complete transition table. failed and rolled_back
// are reachable from every non-terminal state; complete only from
// monitoring_100.
var ValidTransitions = map[WorkflowStatus][]WorkflowStatus{
	StatusPending:          {StatusAnalyzing, StatusFailed, StatusRolledBack},
	StatusAnalyzing:        {StatusCoordinating, StatusFailed, StatusRolledBack},
	StatusCoordinating:     {StatusAwaitingApproval, StatusFailed, StatusRolledBack},
	StatusAwaitingApproval: {StatusExecuting10, StatusFailed, StatusRolledBack},
	StatusExecuting10:      {StatusMonitoring10, StatusFailed, StatusRolledBack},
	StatusMonitoring10:     {StatusExecuting50, StatusFailed, StatusRolledBack},
	StatusExecuting50:      {StatusMonitoring50, StatusFailed, StatusRolledBack},
	StatusMonitoring50:     {StatusExecuting100, StatusFailed, StatusRolledBack},
	StatusExecuting100:     {StatusMonitoring100, StatusFailed, StatusRolledBack},
	StatusMonitoring100:    {StatusComplete, StatusFailed, StatusRolledBack},
	StatusComplete:         {},
	StatusFailed:           {},
	StatusRolledBack:       {},
}

// IsTerminal reports whether no further transitions are permitted.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// CanTransitionTo checks the transition table.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PhaseStatuses maps a schedule percentage to its executing/monitoring pair.
func PhaseStatuses(percent int) (executing, monitoring WorkflowStatus, ok bool) {
	switch percent {
	case 10:
		return StatusExecuting10, StatusMonitoring10, true
	case 50:
		return StatusExecuting50, StatusMonitoring50, true
	case 100:
		return StatusExecuting100, StatusMonitoring100, true
	}
	return "", "", false
}

// TransitionTo moves the workflow to next after validating against the
// transition table, stamps UpdatedAt and appends to the status history.
// A workflow that has already terminated rejects every further attempt.
func (w *WorkflowState) TransitionTo(next WorkflowStatus, reason string) error {
	if w.Status.IsTerminal() {
		return fmt.Errorf("workflow %s already terminal in %s", w.ID, w.Status)
	}
	if !w.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid transition %s -> %s for workflow %s", w.Status, next, w.ID)
	}
	now := time.Now().UTC()
	w.StatusHistory = append(w.StatusHistory, StatusChange{
		From:   w.Status,
		To:     next,
		Reason: reason,
		At:     now,
	})
	w.Status = next
	w.UpdatedAt = now
	return nil
}
