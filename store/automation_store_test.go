package store

import (
	"context"
	"testing"

	"drip/models"
	"drip/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutomationStore_CreateStartsAsDraft(t *testing.T) {
	db := storetest.Open(t)
	s := NewAutomationStore(db)

	a, err := s.Create(context.Background(), "Welcome", models.TriggerWelcome, storetest.Steps(3, 60))
	require.NoError(t, err)
	assert.Equal(t, models.AutomationDraft, a.Status)
	assert.NotZero(t, a.ID)

	loaded, err := s.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 3)
	for i, step := range loaded.Steps {
		assert.Equal(t, i, step.StepIndex)
	}
}

func TestAutomationStore_CreateRejectsBadDefinitions(t *testing.T) {
	db := storetest.Open(t)
	s := NewAutomationStore(db)
	ctx := context.Background()

	tests := []struct {
		name    string
		trigger models.TriggerType
		steps   []models.Step
	}{
		{"no steps", models.TriggerWelcome, nil},
		{"too many steps", models.TriggerWelcome, storetest.Steps(6, 0)},
		{"unknown trigger", models.TriggerType("birthday"), storetest.Steps(1, 0)},
		{"gap in indices", models.TriggerWelcome, []models.Step{
			{StepIndex: 0, Subject: "a", HTMLBody: "a"},
			{StepIndex: 2, Subject: "b", HTMLBody: "b"},
		}},
		{"negative delay", models.TriggerWelcome, []models.Step{
			{StepIndex: 0, DelayMinutes: -5, Subject: "a", HTMLBody: "a"},
		}},
		{"static step without body", models.TriggerWelcome, []models.Step{
			{StepIndex: 0, Subject: "a"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, "Bad", tt.trigger, tt.steps)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.NotEmpty(t, verr.Problems)
		})
	}

	var count int64
	require.NoError(t, db.Model(&models.Automation{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAutomationStore_GeneratedStepNeedsNoStaticContent(t *testing.T) {
	db := storetest.Open(t)
	s := NewAutomationStore(db)

	_, err := s.Create(context.Background(), "Reactivate", models.TriggerReactivation, []models.Step{
		{StepIndex: 0, UseAIGeneration: true, AIPurpose: "win back", AITopic: "new arrivals"},
	})
	require.NoError(t, err)
}

func TestAutomationStore_Lifecycle(t *testing.T) {
	db := storetest.Open(t)
	s := NewAutomationStore(db)
	ctx := context.Background()

	a, err := s.Create(ctx, "Welcome", models.TriggerWelcome, storetest.Steps(2, 0))
	require.NoError(t, err)

	_, err = s.Pause(ctx, a.ID)
	var serr *models.InvalidStateError
	require.ErrorAs(t, err, &serr, "draft automations cannot be paused")

	active, err := s.Activate(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationActive, active.Status)

	again, err := s.Activate(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationActive, again.Status)

	paused, err := s.Pause(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationPaused, paused.Status)

	paused, err = s.Pause(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationPaused, paused.Status)

	_, err = s.Activate(ctx, a.ID)
	require.NoError(t, err)

	_, err = s.Activate(ctx, 9999)
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestAutomationStore_UpdateRejectedWhileActive(t *testing.T) {
	db := storetest.Open(t)
	s := NewAutomationStore(db)
	ctx := context.Background()

	a := storetest.SeedAutomation(t, db, models.TriggerWelcome, models.AutomationActive, storetest.Steps(2, 10))
	name := "Renamed"
	_, err := s.Update(ctx, a.ID, AutomationPatch{Name: &name})
	var serr *models.InvalidStateError
	require.ErrorAs(t, err, &serr)

	loaded, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, loaded.Name)
}

func TestAutomationStore_UpdateReplacesSteps(t *testing.T) {
	db := storetest.Open(t)
	s := NewAutomationStore(db)
	ctx := context.Background()

	a := storetest.SeedAutomation(t, db, models.TriggerWelcome, models.AutomationPaused, storetest.Steps(3, 10))
	steps := storetest.Steps(1, 30)
	name := "Shorter"
	updated, err := s.Update(ctx, a.ID, AutomationPatch{Name: &name, Steps: &steps})
	require.NoError(t, err)
	assert.Equal(t, "Shorter", updated.Name)
	assert.Equal(t, models.AutomationPaused, updated.Status)

	loaded, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, 30, loaded.Steps[0].DelayMinutes)

	var stepRows int64
	require.NoError(t, db.Model(&models.Step{}).Where("automation_id = ?", a.ID).Count(&stepRows).Error)
	assert.EqualValues(t, 1, stepRows)
}

func TestAutomationStore_DeleteRefusedWithActiveEnrollments(t *testing.T) {
	db := storetest.Open(t)
	s := NewAutomationStore(db)
	ctx := context.Background()

	a := storetest.SeedAutomation(t, db, models.TriggerWelcome, models.AutomationPaused, storetest.Steps(1, 0))
	c := storetest.SeedCustomer(t, db, "ada@example.com", models.SegmentNew)
	e := storetest.SeedEnrollment(t, db, a, c, fixedNow)

	err := s.Delete(ctx, a.ID)
	var serr *models.InvalidStateError
	require.ErrorAs(t, err, &serr)

	require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", e.ID).Update("status", models.EnrollmentCompleted).Error)
	ledger := NewDeliveryLedger(db)
	require.NoError(t, ledger.Record(ctx, models.DeliveryLog{IdempotencyKey: "k-deleted", EnrollmentID: e.ID, SentAt: fixedNow}))
	require.NoError(t, ledger.Record(ctx, models.DeliveryLog{IdempotencyKey: "k-other", EnrollmentID: e.ID + 100, SentAt: fixedNow}))
	require.NoError(t, s.Delete(ctx, a.ID))

	_, err = s.Get(ctx, a.ID)
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)

	var remaining int64
	require.NoError(t, db.Model(&models.Enrollment{}).Count(&remaining).Error)
	assert.Zero(t, remaining)

	logs, err := ledger.ListByEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
	seen, err := ledger.Seen(ctx, "k-other")
	require.NoError(t, err)
	assert.True(t, seen, "logs of other enrollments survive")
}

func TestAutomationStore_RejectsUnrenderableTemplates(t *testing.T) {
	db := storetest.Open(t)
	s := NewAutomationStore(db)
	ctx := context.Background()

	tests := []struct {
		name string
		step models.Step
	}{
		{"undefined function in body", models.Step{Subject: "Hi", HTMLBody: "<p>Use code {{SAVE10}} today</p>"}},
		{"unclosed action in subject", models.Step{Subject: "Hi {{.CustomerName", HTMLBody: "<p>x</p>"}},
		{"unknown field", models.Step{Subject: "Hi {{.FirstName}}", HTMLBody: "<p>x</p>"}},
		{"body ends inside attribute", models.Step{Subject: "Hi", HTMLBody: `<a href="{{.CustomerEmail}}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, "Promo", models.TriggerWelcome, []models.Step{tt.step})
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Error(), "not a valid template")
		})
	}

	a, err := s.Create(ctx, "Promo", models.TriggerWelcome, []models.Step{
		{Subject: "Hi {{.CustomerName}}", HTMLBody: "<p>Hello {{.CustomerEmail}}</p>"},
	})
	require.NoError(t, err)

	bad := []models.Step{{Subject: "Hi", HTMLBody: "<p>Use code {{SAVE10}} today</p>"}}
	_, err = s.Update(ctx, a.ID, AutomationPatch{Steps: &bad})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)

	loaded, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, "<p>Hello {{.CustomerEmail}}</p>", loaded.Steps[0].HTMLBody)
}

func TestAutomationStore_ListActiveByTrigger(t *testing.T) {
	db := storetest.Open(t)
	s := NewAutomationStore(db)

	welcome := storetest.SeedAutomation(t, db, models.TriggerWelcome, models.AutomationActive, storetest.Steps(1, 0))
	storetest.SeedAutomation(t, db, models.TriggerWelcome, models.AutomationPaused, storetest.Steps(1, 0))
	storetest.SeedAutomation(t, db, models.TriggerPostPurchase, models.AutomationActive, storetest.Steps(1, 0))

	got, err := s.ListActiveByTrigger(context.Background(), models.TriggerWelcome)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, welcome.ID, got[0].ID)
	assert.Len(t, got[0].Steps, 1)
}
