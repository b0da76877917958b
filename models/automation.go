package models

import (
	"fmt"
	htmltemplate "html/template"
	"io"
	texttemplate "text/template"
	"time"
)

// TriggerType names the business event family an automation reacts to.
type TriggerType string

const (
	TriggerWelcome      TriggerType = "welcome"
	TriggerPostPurchase TriggerType = "post_purchase"
	TriggerReactivation TriggerType = "reactivation"
	TriggerReEngagement TriggerType = "re_engagement"
)

// AutomationStatus is the lifecycle status of an automation definition.
type AutomationStatus string

const (
	AutomationDraft  AutomationStatus = "draft"
	AutomationActive AutomationStatus = "active"
	AutomationPaused AutomationStatus = "paused"
)

// CanTransitionTo reports whether an automation may move from s to next.
// draft->paused is illegal; an automation has to be activated first.
func (s AutomationStatus) CanTransitionTo(next AutomationStatus) bool {
	switch s {
	case AutomationDraft:
		return next == AutomationActive
	case AutomationActive:
		return next == AutomationPaused
	case AutomationPaused:
		return next == AutomationActive
	}
	return false
}

// SkipCondition is evaluated right before a step is sent. When it holds, the
// rest of the enrollment's sequence is abandoned.
type SkipCondition string

const (
	SkipPurchasedSinceTrigger SkipCondition = "purchased_since_trigger"
	SkipBecameActive          SkipCondition = "became_active"
)

// MaxSteps is the largest number of steps an automation may carry.
const MaxSteps = 5

// Automation represents a triggered, multi-step message sequence
type Automation struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	Name        string           `gorm:"not null" json:"name" validate:"required,max=200"`
	TriggerType TriggerType      `gorm:"not null;index" json:"triggerType" validate:"required,oneof=welcome post_purchase reactivation re_engagement"`
	Status      AutomationStatus `gorm:"not null;default:'draft';index" json:"status"`

	// Relations
	Steps []Step `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"steps" validate:"min=1,max=5,dive"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Step is one message of an automation. Steps are owned by their automation
// and are never addressed on their own.
type Step struct {
	ID           uint `gorm:"primaryKey" json:"-"`
	AutomationID uint `gorm:"not null;uniqueIndex:idx_step_automation_index" json:"-"`

	StepIndex    int `gorm:"not null;uniqueIndex:idx_step_automation_index" json:"stepIndex" validate:"min=0"`
	DelayMinutes int `gorm:"not null;default:0" json:"delayMinutes" validate:"min=0"`

	// Static content
	Subject  string `json:"subject" validate:"max=998"`
	HTMLBody string `gorm:"type:text" json:"htmlBody"`

	// Generated content
	UseAIGeneration bool   `gorm:"not null;default:false" json:"useAiGeneration"`
	AIPurpose       string `json:"aiPurpose,omitempty" validate:"max=200"`
	AITopic         string `json:"aiTopic,omitempty" validate:"max=500"`

	SkipCondition *SkipCondition `gorm:"type:varchar(40)" json:"skipCondition" validate:"omitempty,oneof=purchased_since_trigger became_active"`
}

// Delay is the wait between the previous step (or enrollment) and this one.
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

// StepContent is where a step's subject and body come from.
type StepContent interface {
	isStepContent()
}

// StaticContent is authored subject and HTML sent as written.
type StaticContent struct {
	Subject  string
	HTMLBody string
}

// GeneratedContent is requested from the content generator at send time.
type GeneratedContent struct {
	Purpose string
	Topic   string
}

// Personalisation is the data static subjects and bodies are executed with.
type Personalisation struct {
	CustomerName  string
	CustomerEmail string
}

// CheckTemplates parses and dry-runs the subject and body so broken
// placeholders are rejected before the content is ever sent.
func (c StaticContent) CheckTemplates() (subjectErr, bodyErr error) {
	if tmpl, err := texttemplate.New("subject").Parse(c.Subject); err != nil {
		subjectErr = err
	} else {
		subjectErr = tmpl.Execute(io.Discard, Personalisation{})
	}
	if tmpl, err := htmltemplate.New("body").Parse(c.HTMLBody); err != nil {
		bodyErr = err
	} else {
		bodyErr = tmpl.Execute(io.Discard, Personalisation{})
	}
	return subjectErr, bodyErr
}

func (StaticContent) isStepContent()    {}
func (GeneratedContent) isStepContent() {}

// Content returns the content variant selected by the step.
func (s Step) Content() StepContent {
	if s.UseAIGeneration {
		return GeneratedContent{Purpose: s.AIPurpose, Topic: s.AITopic}
	}
	return StaticContent{Subject: s.Subject, HTMLBody: s.HTMLBody}
}

// CheckSteps enforces the rules struct tags can't express: contiguous
// zero-based indices and static content being present and renderable when
// it will be used.
func (a *Automation) CheckSteps() error {
	var problems []string
	if len(a.Steps) == 0 {
		problems = append(problems, "steps must contain at least one step")
	}
	if len(a.Steps) > MaxSteps {
		problems = append(problems, fmt.Sprintf("steps must contain at most %d steps", MaxSteps))
	}
	for i, step := range a.Steps {
		if step.StepIndex != i {
			problems = append(problems, fmt.Sprintf("steps[%d].stepIndex must be %d, got %d", i, i, step.StepIndex))
		}
		if step.DelayMinutes < 0 {
			problems = append(problems, fmt.Sprintf("steps[%d].delayMinutes must not be negative", i))
		}
		if !step.UseAIGeneration {
			if step.Subject == "" {
				problems = append(problems, fmt.Sprintf("steps[%d].subject is required", i))
			}
			if step.HTMLBody == "" {
				problems = append(problems, fmt.Sprintf("steps[%d].htmlBody is required", i))
			}
			subjectErr, bodyErr := StaticContent{Subject: step.Subject, HTMLBody: step.HTMLBody}.CheckTemplates()
			if subjectErr != nil {
				problems = append(problems, fmt.Sprintf("steps[%d].subject is not a valid template: %v", i, subjectErr))
			}
			if bodyErr != nil {
				problems = append(problems, fmt.Sprintf("steps[%d].htmlBody is not a valid template: %v", i, bodyErr))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// StepAt returns the step with the given index, if any.
func (a *Automation) StepAt(index int) (Step, bool) {
	if index < 0 || index >= len(a.Steps) {
		return Step{}, false
	}
	return a.Steps[index], true
}
