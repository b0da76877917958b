package controller

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"drip/models"
	"drip/store"
	"drip/store/storetest"
	"drip/trigger"
	"drip/utils"
	"drip/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "tracking-secret"

type testAPI struct {
	app *fiber.App
	db  *gorm.DB
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return utils.Component(logger, "api")
}

func newTestAPI(t *testing.T, stats StatsSource) *testAPI {
	t.Helper()
	db := storetest.Open(t)
	log := quietLogger()

	automations := store.NewAutomationStore(db)
	enrollments := store.NewEnrollmentStore(db)
	deliveries := store.NewDeliveryLedger(db)
	ac := NewAutomationController(automations, enrollments, deliveries, log)
	ec := NewEventController(trigger.NewListener(automations, enrollments, store.NewCustomerStore(db), log), log)
	alc := NewAlertController(store.NewAlertStore(db), log)
	sc := NewSchedulerController(stats, time.Second, log)
	tc := NewTrackingController(deliveries, testSecret, log)

	app := fiber.New()
	app.Get("/automations", ac.GetAutomations)
	app.Post("/automations", ac.CreateAutomation)
	app.Get("/automations/:id", ac.GetAutomation)
	app.Put("/automations/:id", ac.UpdateAutomation)
	app.Delete("/automations/:id", ac.DeleteAutomation)
	app.Post("/automations/:id/activate", ac.ActivateAutomation)
	app.Post("/automations/:id/pause", ac.PauseAutomation)
	app.Get("/automations/:id/enrollments", ac.GetEnrollments)
	app.Get("/automations/:id/enrollments/:enrollmentId", ac.GetEnrollment)
	app.Post("/automations/:id/enrollments/:enrollmentId/stop", ac.StopEnrollment)
	app.Post("/events", ec.PublishEvent)
	app.Get("/alerts", alc.GetAlerts)
	app.Get("/scheduler", sc.GetStatus)
	app.Get("/scheduler/stream", sc.UpgradeStream)
	app.Get("/track/open/:messageID/:token", tc.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", tc.HandleClickTracking)

	return &testAPI{app: app, db: db}
}

func (api *testAPI) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := api.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func validAutomationBody() map[string]interface{} {
	return map[string]interface{}{
		"name":        "Welcome series",
		"triggerType": "welcome",
		"steps": []map[string]interface{}{
			{"stepIndex": 0, "delayMinutes": 0, "subject": "Welcome", "htmlBody": "<p>Hi</p>"},
			{"stepIndex": 1, "delayMinutes": 1440, "subject": "Tips", "htmlBody": "<p>Tips</p>", "skipCondition": "purchased_since_trigger"},
		},
	}
}

func TestAutomationController_CreateAndGet(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, data := api.do(t, http.MethodPost, "/automations", validAutomationBody())
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(data))
	created := decode[models.Automation](t, data)
	assert.Equal(t, models.AutomationDraft, created.Status)
	assert.Len(t, created.Steps, 2)

	resp, data = api.do(t, http.MethodGet, "/automations/"+itoa(created.ID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	detail := decode[struct {
		models.Automation
		Stats models.EnrollmentStats `json:"stats"`
	}](t, data)
	assert.Equal(t, "Welcome series", detail.Name)
	assert.Equal(t, int64(0), detail.Stats.Total)

	resp, data = api.do(t, http.MethodGet, "/automations", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Automation](t, data), 1)
}

func TestAutomationController_CreateRejectsInvalidDefinition(t *testing.T) {
	api := newTestAPI(t, nil)

	body := validAutomationBody()
	body["triggerType"] = "birthday"
	body["steps"] = []map[string]interface{}{}

	resp, data := api.do(t, http.MethodPost, "/automations", body)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	out := decode[map[string]interface{}](t, data)
	assert.Equal(t, "Validation failed", out["error"])
	assert.NotEmpty(t, out["details"])
}

func TestAutomationController_GetUnknownAndBadID(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, _ := api.do(t, http.MethodGet, "/automations/999", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/automations/abc", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAutomationController_Lifecycle(t *testing.T) {
	api := newTestAPI(t, nil)
	a := storetest.SeedAutomation(t, api.db, models.TriggerWelcome, models.AutomationDraft, storetest.Steps(2, 0))
	path := "/automations/" + itoa(a.ID)

	resp, _ := api.do(t, http.MethodPost, path+"/pause", nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode, "draft cannot be paused")

	resp, data := api.do(t, http.MethodPost, path+"/activate", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.AutomationActive, decode[models.Automation](t, data).Status)

	resp, _ = api.do(t, http.MethodPut, path, map[string]interface{}{"name": "Renamed"})
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode, "active automations are read-only")

	resp, data = api.do(t, http.MethodPost, path+"/pause", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.AutomationPaused, decode[models.Automation](t, data).Status)

	resp, data = api.do(t, http.MethodPut, path, map[string]interface{}{"name": "  Renamed  "})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, "Renamed", decode[models.Automation](t, data).Name)
}

func TestAutomationController_DeleteBlockedByActiveEnrollments(t *testing.T) {
	api := newTestAPI(t, nil)
	a := storetest.SeedAutomation(t, api.db, models.TriggerWelcome, models.AutomationActive, storetest.Steps(1, 0))
	c := storetest.SeedCustomer(t, api.db, "ada@example.com", models.SegmentNew)
	e := storetest.SeedEnrollment(t, api.db, a, c, time.Now().UTC())
	path := "/automations/" + itoa(a.ID)

	resp, _ := api.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, path+"/enrollments/"+itoa(e.ID)+"/stop", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, data := api.do(t, http.MethodDelete, path, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(data))
	resp, _ = api.do(t, http.MethodGet, path, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestAutomationController_Enrollments(t *testing.T) {
	api := newTestAPI(t, nil)
	a := storetest.SeedAutomation(t, api.db, models.TriggerWelcome, models.AutomationActive, storetest.Steps(2, 0))
	ada := storetest.SeedCustomer(t, api.db, "ada@example.com", models.SegmentNew)
	bob := storetest.SeedCustomer(t, api.db, "bob@example.com", models.SegmentNew)
	e1 := storetest.SeedEnrollment(t, api.db, a, ada, time.Now().UTC())
	storetest.SeedEnrollment(t, api.db, a, bob, time.Now().UTC())
	path := "/automations/" + itoa(a.ID) + "/enrollments"

	resp, data := api.do(t, http.MethodPost, path+"/"+itoa(e1.ID)+"/stop", map[string]string{"reason": "unsubscribed"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	stopped := decode[models.Enrollment](t, data)
	assert.Equal(t, models.EnrollmentStopped, stopped.Status)
	assert.Nil(t, stopped.NextSendAt)

	resp, data = api.do(t, http.MethodPost, path+"/"+itoa(e1.ID)+"/stop", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, "stopping twice is harmless")
	assert.Equal(t, models.EnrollmentStopped, decode[models.Enrollment](t, data).Status)

	resp, data = api.do(t, http.MethodGet, path+"?status=active", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	active := decode[[]models.Enrollment](t, data)
	require.Len(t, active, 1)
	assert.Equal(t, bob.ID, active[0].CustomerID)

	resp, _ = api.do(t, http.MethodGet, path+"?status=bogus", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, data = api.do(t, http.MethodGet, "/automations/"+itoa(a.ID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	stats := decode[struct {
		Stats models.EnrollmentStats `json:"stats"`
	}](t, data).Stats
	assert.Equal(t, models.EnrollmentStats{Total: 2, Active: 1, Stopped: 1}, stats)

	resp, _ = api.do(t, http.MethodPost, path+"/9999/stop", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestAutomationController_GetEnrollmentWithDeliveries(t *testing.T) {
	api := newTestAPI(t, nil)
	a := storetest.SeedAutomation(t, api.db, models.TriggerWelcome, models.AutomationActive, storetest.Steps(2, 0))
	c := storetest.SeedCustomer(t, api.db, "ada@example.com", models.SegmentNew)
	e := storetest.SeedEnrollment(t, api.db, a, c, time.Now().UTC())
	require.NoError(t, api.db.Create(&models.DeliveryLog{
		IdempotencyKey: "key-0", EnrollmentID: e.ID, StepIndex: 0, SentAt: time.Now().UTC(),
	}).Error)

	resp, data := api.do(t, http.MethodGet, "/automations/"+itoa(a.ID)+"/enrollments/"+itoa(e.ID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(data))
	detail := decode[struct {
		ID         uint                 `json:"id"`
		Deliveries []models.DeliveryLog `json:"deliveries"`
	}](t, data)
	assert.Equal(t, e.ID, detail.ID)
	require.Len(t, detail.Deliveries, 1)
	assert.Equal(t, "key-0", detail.Deliveries[0].IdempotencyKey)

	resp, _ = api.do(t, http.MethodGet, "/automations/"+itoa(a.ID+1)+"/enrollments/"+itoa(e.ID), nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, "enrollment belongs to another automation")
}

func TestEventController_PublishEnrolls(t *testing.T) {
	api := newTestAPI(t, nil)
	a := storetest.SeedAutomation(t, api.db, models.TriggerWelcome, models.AutomationActive, storetest.Steps(1, 0))
	c := storetest.SeedCustomer(t, api.db, "ada@example.com", models.SegmentNew)

	event := map[string]interface{}{"type": "customer_registered", "customerId": c.ID}
	resp, data := api.do(t, http.MethodPost, "/events", event)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode, string(data))
	result := decode[trigger.Result](t, data)
	assert.Equal(t, models.TriggerWelcome, result.Trigger)
	assert.Len(t, result.Enrollments, 1)

	resp, data = api.do(t, http.MethodPost, "/events", event)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, decode[trigger.Result](t, data).Duplicates)

	var count int64
	require.NoError(t, api.db.Model(&models.Enrollment{}).Where("automation_id = ?", a.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEventController_RejectsInvalidEvent(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, _ := api.do(t, http.MethodPost, "/events", map[string]interface{}{"type": "password_reset", "customerId": 1})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/events", map[string]interface{}{"type": "customer_registered", "customerId": 1, "email": "not-an-email"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAlertController_List(t *testing.T) {
	api := newTestAPI(t, nil)
	now := time.Now().UTC()
	require.NoError(t, api.db.Create(&models.Alert{Kind: "delivery_failed", Severity: models.AlertCritical, Message: "older", CreatedAt: now}).Error)
	require.NoError(t, api.db.Create(&models.Alert{Kind: "delivery_failed", Severity: models.AlertCritical, Message: "newer", CreatedAt: now.Add(time.Minute)}).Error)

	resp, data := api.do(t, http.MethodGet, "/alerts?kind=delivery_failed&limit=1", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	alerts := decode[[]models.Alert](t, data)
	require.Len(t, alerts, 1)
	assert.Equal(t, "newer", alerts[0].Message)

	resp, _ = api.do(t, http.MethodGet, "/alerts?limit=zero", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

type staticStats worker.Stats

func (s staticStats) Stats() worker.Stats { return worker.Stats(s) }

func TestSchedulerController_Status(t *testing.T) {
	api := newTestAPI(t, nil)
	resp, data := api.do(t, http.MethodGet, "/scheduler", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.False(t, decode[worker.Stats](t, data).Running, "dispatch disabled")

	api = newTestAPI(t, staticStats{Running: true, Ticks: 4, TickReport: worker.TickReport{Sent: 3}})
	resp, data = api.do(t, http.MethodGet, "/scheduler", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	stats := decode[worker.Stats](t, data)
	assert.True(t, stats.Running)
	assert.Equal(t, int64(4), stats.Ticks)
	assert.Equal(t, int64(3), stats.Sent)

	resp, _ = api.do(t, http.MethodGet, "/scheduler/stream", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestTrackingController_OpenAndClick(t *testing.T) {
	api := newTestAPI(t, nil)
	require.NoError(t, api.db.Create(&models.DeliveryLog{IdempotencyKey: "msg-1", EnrollmentID: 1, SentAt: time.Now().UTC()}).Error)
	token := utils.TrackingToken(testSecret, "msg-1")

	resp, data := api.do(t, http.MethodGet, "/track/open/msg-1/"+token, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
	assert.Equal(t, transparentPixel(), data)

	resp, _ = api.do(t, http.MethodGet, "/track/open/msg-1/forged", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "pixel is served even for bad tokens")

	resp, _ = api.do(t, http.MethodGet, "/track/click/msg-1/"+token+"?url=https%3A%2F%2Fshop.example.com%2Fsale", nil)
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://shop.example.com/sale", resp.Header.Get("Location"))

	resp, _ = api.do(t, http.MethodGet, "/track/click/msg-1/"+token+"?url=javascript%3Aalert(1)", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/track/click/msg-1/forged?url=https%3A%2F%2Fevil.example.com", nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	var log models.DeliveryLog
	require.NoError(t, api.db.Where("idempotency_key = ?", "msg-1").First(&log).Error)
	assert.Equal(t, 1, log.OpenCount)
	assert.Equal(t, 1, log.ClickCount)
	assert.NotNil(t, log.OpenedAt)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
