// Package domain contains the N-step approval workflow attached to a
// refund request. Steps are materialized from rule configuration at open
// time; decisions move a single current-step cursor forward, and a
// rejection short-circuits the remaining chain.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// StepStatus is the lifecycle state of one approval step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepEscalated StepStatus = "escalated"
	StepSkipped   StepStatus = "skipped"
)

// Decidable reports whether a human decision may still land on the step.
// Escalated steps remain decidable; they just route to a higher role.
func (s StepStatus) Decidable() bool {
	return s == StepPending || s == StepEscalated
}

func (s StepStatus) IsFinal() bool {
	return s == StepApproved || s == StepRejected || s == StepSkipped
}

// WorkflowState is the aggregate verdict derived from the steps.
type WorkflowState string

const (
	WorkflowPending  WorkflowState = "pending"
	WorkflowApproved WorkflowState = "approved"
	WorkflowRejected WorkflowState = "rejected"
)

// Step is one approval stage for a refund request. DecidedAt and
// DecidedBy are write-once; SLABreached is sticky once set.
type Step struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	TenantID        snowflake.ID `gorm:"not null;index"`
	RefundRequestID snowflake.ID `gorm:"not null;uniqueIndex:ux_steps_request_order"`
	StepOrder       int          `gorm:"not null;uniqueIndex:ux_steps_request_order"`
	Name            string       `gorm:"type:text;not null"`
	RequiredLevel   int          `gorm:"not null"`
	AssigneeRole    string       `gorm:"type:text;not null"`
	EscalateToRole  string       `gorm:"type:text"`
	Status          StepStatus   `gorm:"type:text;not null;default:'pending'"`
	IsCurrent       bool         `gorm:"not null;default:false"`
	AutoApproved    bool         `gorm:"not null;default:false"`
	SLADeadline     *time.Time   `gorm:""`
	SLABreached     bool         `gorm:"not null;default:false"`
	DecidedBy       snowflake.ID `gorm:""`
	DecidedAt       *time.Time   `gorm:""`
	DecisionNotes   string       `gorm:"type:text"`
	CreatedAt       time.Time    `gorm:"not null"`
	UpdatedAt       time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Step) TableName() string { return "approval_steps" }

// DecisionLevel is the approval level required to decide the step now.
// After an escalation the escalation target's level applies.
func (s *Step) DecisionLevel(roleLevel func(string) int) int {
	if s.Status == StepEscalated && s.EscalateToRole != "" {
		if lvl := roleLevel(s.EscalateToRole); lvl > 0 {
			return lvl
		}
	}
	return s.RequiredLevel
}

// Workflow is the derived view over a request's ordered steps.
type Workflow struct {
	RefundRequestID snowflake.ID
	Steps           []Step
	State           WorkflowState
	CurrentOrder    int
}

// DeriveState folds ordered steps into the workflow verdict. Skipped
// steps count as resolved; a single rejection decides the whole chain.
func DeriveState(steps []Step) (WorkflowState, int) {
	current := 0
	for _, step := range steps {
		switch step.Status {
		case StepRejected:
			return WorkflowRejected, 0
		case StepPending, StepEscalated:
			if current == 0 || step.StepOrder < current {
				current = step.StepOrder
			}
		}
	}
	if current == 0 {
		return WorkflowApproved, 0
	}
	return WorkflowPending, current
}

var (
	ErrWorkflowNotFound   = errors.New("workflow_not_found")
	ErrNoRulesConfigured  = errors.New("no_approval_rules_configured")
	ErrStepNotFound       = errors.New("approval_step_not_found")
	ErrStepAlreadyDecided = errors.New("step_already_decided")
	ErrNotCurrentStep     = errors.New("step_not_current")
	ErrInsufficientLevel  = errors.New("insufficient_approval_level")
)

// DecisionErr wraps sentinel with the step's current status.
func DecisionErr(sentinel error, status StepStatus) error {
	return fmt.Errorf("%w: step_status=%s", sentinel, status)
}
