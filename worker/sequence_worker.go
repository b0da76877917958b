package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"drip/config"
	"drip/content"
	"drip/delivery"
	"drip/metrics"
	"drip/models"
	"drip/utils"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("sequence worker already running")
	ErrNotRunning     = errors.New("sequence worker not running")
)

// AlertDeliveryFailed is raised when an enrollment is stopped after
// exhausting its delivery attempts.
const AlertDeliveryFailed = "delivery_failed"

// Options tunes the dispatch loop.
type Options struct {
	TickInterval time.Duration
	Workers      int
	BatchSize    int
	CallTimeout  time.Duration
	RetryBackoff time.Duration
	MaxAttempts  int
	ClaimTTL     time.Duration
}

func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		TickInterval: cfg.TickInterval,
		Workers:      cfg.Workers,
		BatchSize:    cfg.BatchSize,
		CallTimeout:  cfg.CallTimeout,
		RetryBackoff: cfg.RetryBackoff,
		MaxAttempts:  cfg.MaxAttempts,
		ClaimTTL:     cfg.ClaimTTL,
	}
}

type EnrollmentRepository interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error)
	Claim(ctx context.Context, e *models.Enrollment, now, until time.Time) error
	Release(ctx context.Context, e *models.Enrollment) error
	ApplyTransition(ctx context.Context, e *models.Enrollment, t models.Transition) error
}

type SkipEvaluator interface {
	ShouldSkip(ctx context.Context, e *models.Enrollment, step models.Step) (bool, error)
}

type Renderer interface {
	Render(ctx context.Context, step models.Step, e *models.Enrollment, messageID string) (content.Message, error)
}

type Alerter interface {
	Raise(ctx context.Context, alert models.Alert) error
}

// Stats is a snapshot of the worker's lifetime counters.
type Stats struct {
	Running    bool       `json:"running"`
	StartedAt  *time.Time `json:"startedAt"`
	Ticks      int64      `json:"ticks"`
	LastTickAt *time.Time `json:"lastTickAt"`
	TickReport
}

// TickReport counts what happened to the enrollments of a tick.
type TickReport struct {
	Due       int64 `json:"due"`
	Sent      int64 `json:"sent"`
	Completed int64 `json:"completed"`
	Skipped   int64 `json:"skipped"`
	Retried   int64 `json:"retried"`
	Stopped   int64 `json:"stopped"`
	Contended int64 `json:"contended"`
	Stale     int64 `json:"stale"`
	Errors    int64 `json:"errors"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeCompleted
	outcomeSkipped
	outcomeRetried
	outcomeStopped
	outcomeContended
	outcomeStale
	outcomeReleased
	outcomeError
)

var outcomeNames = map[outcome]string{
	outcomeSent:      "sent",
	outcomeCompleted: "completed",
	outcomeSkipped:   "skipped",
	outcomeRetried:   "retried",
	outcomeStopped:   "stopped",
	outcomeContended: "contended",
	outcomeStale:     "stale",
	outcomeReleased:  "released",
	outcomeError:     "error",
}

func (r *TickReport) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeCompleted:
		r.Sent++
		r.Completed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeRetried:
		r.Retried++
	case outcomeStopped:
		r.Stopped++
	case outcomeContended:
		r.Contended++
	case outcomeStale:
		r.Stale++
	case outcomeError:
		r.Errors++
	}
}

func (r *TickReport) merge(o TickReport) {
	r.Due += o.Due
	r.Sent += o.Sent
	r.Completed += o.Completed
	r.Skipped += o.Skipped
	r.Retried += o.Retried
	r.Stopped += o.Stopped
	r.Contended += o.Contended
	r.Stale += o.Stale
	r.Errors += o.Errors
}

// SequenceWorker periodically dispatches the due steps of active
// enrollments. Several workers, in one process or many, may run against the
// same database; claims keep them from processing an enrollment twice.
type SequenceWorker struct {
	opts        Options
	enrollments EnrollmentRepository
	skipper     SkipEvaluator
	renderer    Renderer
	gateway     delivery.Gateway
	alerter     Alerter
	log         *logrus.Entry
	tracer      trace.Tracer
	now         func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu sync.RWMutex
	stats   Stats
}

func NewSequenceWorker(opts Options, enrollments EnrollmentRepository, skipper SkipEvaluator, renderer Renderer, gateway delivery.Gateway, alerter Alerter, log *logrus.Entry) *SequenceWorker {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &SequenceWorker{
		opts:        opts,
		enrollments: enrollments,
		skipper:     skipper,
		renderer:    renderer,
		gateway:     gateway,
		alerter:     alerter,
		log:         log,
		tracer:      otel.Tracer("drip/worker"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the tick loop in the background until Stop is called or ctx
// is cancelled.
func (w *SequenceWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	started := w.now()
	w.statsMu.Lock()
	w.stats.Running = true
	w.stats.StartedAt = &started
	w.statsMu.Unlock()

	w.log.WithFields(logrus.Fields{
		"tick_interval": w.opts.TickInterval,
		"workers":       w.opts.Workers,
	}).Info("Sequence worker started")

	go w.loop(loopCtx, w.done)
	return nil
}

// Stop cancels the loop and waits for in-flight enrollments to finish.
func (w *SequenceWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return ErrNotRunning
	}
	w.cancel()
	<-w.done
	w.running = false

	w.statsMu.Lock()
	w.stats.Running = false
	w.statsMu.Unlock()

	w.log.Info("Sequence worker stopped")
	return nil
}

// Stats returns a snapshot of the worker counters.
func (w *SequenceWorker) Stats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}

func (w *SequenceWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.opts.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			utils.LogError(w.log, "TickError", err, nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick processes every enrollment due at the current time once, using a
// bounded pool.
func (w *SequenceWorker) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	now := w.now()

	due, err := w.enrollments.FindDue(ctx, now, w.opts.BatchSize)
	if err != nil {
		return TickReport{}, err
	}

	report := TickReport{Due: int64(len(due))}
	var reportMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(w.opts.Workers)
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		e := &due[i]
		g.Go(func() error {
			o := w.process(ctx, e)
			reportMu.Lock()
			report.add(o)
			reportMu.Unlock()
			return nil
		})
	}
	g.Wait()

	metrics.SchedulerTicksTotal.Inc()
	metrics.EnrollmentsDueTotal.Add(float64(len(due)))
	metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())

	w.statsMu.Lock()
	w.stats.Ticks++
	w.stats.LastTickAt = &now
	w.stats.TickReport.merge(report)
	w.statsMu.Unlock()

	if report.Due > 0 {
		w.log.WithFields(logrus.Fields{
			"due":       report.Due,
			"sent":      report.Sent,
			"skipped":   report.Skipped,
			"retried":   report.Retried,
			"stopped":   report.Stopped,
			"contended": report.Contended,
		}).Info("Tick processed")
	}
	return report, nil
}

func (w *SequenceWorker) process(ctx context.Context, e *models.Enrollment) outcome {
	claimedAt := w.now()
	if err := w.enrollments.Claim(ctx, e, claimedAt, claimedAt.Add(w.opts.ClaimTTL)); err != nil {
		if errors.Is(err, models.ErrClaimContention) {
			metrics.ClaimContentionTotal.Inc()
			return outcomeContended
		}
		if ctx.Err() != nil {
			// Shutting down; the enrollment stays due for the next run.
			return outcomeReleased
		}
		w.logEnrollmentError("ClaimError", err, e)
		return outcomeError
	}

	o := w.dispatch(ctx, e)
	trigger := ""
	if e.Automation != nil {
		trigger = string(e.Automation.TriggerType)
	}
	metrics.StepOutcomesTotal.WithLabelValues(trigger, outcomeNames[o]).Inc()
	return o
}

// dispatch runs one claimed enrollment through skip evaluation, rendering
// and sending, then records the resulting transition.
func (w *SequenceWorker) dispatch(ctx context.Context, e *models.Enrollment) outcome {
	a := e.Automation
	if a == nil {
		w.logEnrollmentError("DispatchError", errors.New("automation not loaded"), e)
		return w.release(ctx, e)
	}

	ctx, span := w.tracer.Start(ctx, "dispatch-step", trace.WithAttributes(
		attribute.Int64("enrollment.id", int64(e.ID)),
		attribute.Int64("automation.id", int64(a.ID)),
		attribute.Int("step.index", e.CurrentStepIndex),
	))
	defer span.End()

	step, ok := a.StepAt(e.CurrentStepIndex)
	if !ok {
		// The steps were shortened while the automation was paused.
		completedAt := w.now()
		return w.write(ctx, e, models.Transition{
			Status:           models.EnrollmentCompleted,
			CurrentStepIndex: e.CurrentStepIndex,
			CompletedAt:      &completedAt,
		}, outcomeCompleted)
	}

	skip, err := w.skipper.ShouldSkip(ctx, e, step)
	if err != nil {
		var serr *models.SkipEvaluationError
		if errors.As(err, &serr) {
			metrics.SkipEvaluationFailuresTotal.WithLabelValues(string(serr.Condition)).Inc()
		}
		span.RecordError(err)
	}
	if skip {
		utils.LogEvent(w.log, "enrollment_skipped", map[string]interface{}{
			"enrollment_id":  e.ID,
			"automation_id":  a.ID,
			"step_index":     step.StepIndex,
			"skip_condition": *step.SkipCondition,
		})
		return w.write(ctx, e, e.Skip(), outcomeSkipped)
	}

	key := delivery.IdempotencyKey(e.ID, step.StepIndex)
	renderCtx, cancelRender := context.WithTimeout(ctx, w.opts.CallTimeout)
	msg, err := w.renderer.Render(renderCtx, step, e, key)
	cancelRender()
	if err != nil {
		return w.fail(ctx, e, &models.DeliveryError{Stage: "content", Err: err}, span)
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, w.opts.CallTimeout)
	defer cancelSend()
	sendStart := time.Now()
	receipt, err := w.gateway.Send(sendCtx, delivery.Message{
		EnrollmentID:   e.ID,
		StepIndex:      step.StepIndex,
		To:             e.CustomerEmail,
		ToName:         e.CustomerName,
		Subject:        msg.Subject,
		HTMLBody:       msg.HTMLBody,
		IdempotencyKey: key,
	})
	if err != nil {
		return w.fail(ctx, e, &models.DeliveryError{Stage: "gateway", Err: err}, span)
	}
	metrics.DeliveryDuration.WithLabelValues(receipt.Provider).Observe(time.Since(sendStart).Seconds())

	// The message is handed over; record progress even if we are shutting down.
	t := e.Advance(a, w.now())
	o := outcomeSent
	if t.Status == models.EnrollmentCompleted {
		o = outcomeCompleted
	}
	return w.write(context.WithoutCancel(ctx), e, t, o)
}

// fail records a delivery failure as a retry, or stops the enrollment and
// raises an alert once the attempt cap is reached.
func (w *SequenceWorker) fail(ctx context.Context, e *models.Enrollment, derr *models.DeliveryError, span trace.Span) outcome {
	span.RecordError(derr)
	span.SetStatus(codes.Error, derr.Stage)

	if ctx.Err() != nil {
		// Shutting down; not the provider's fault.
		return w.release(context.WithoutCancel(ctx), e)
	}

	metrics.DeliveryRetriesTotal.WithLabelValues(derr.Stage).Inc()
	w.logEnrollmentError("DeliveryError", derr, e)

	t := e.Retry(w.now(), w.opts.RetryBackoff, w.opts.MaxAttempts, derr.Error())
	if t.Status != models.EnrollmentStopped {
		w.log.WithFields(logrus.Fields{
			"enrollment_id": e.ID,
			"attempt":       t.RetryCount,
			"retry_in":      utils.FormatDuration(w.opts.RetryBackoff),
		}).Warn("Delivery failed, retry scheduled")
		return w.write(ctx, e, t, outcomeRetried)
	}

	o := w.write(ctx, e, t, outcomeStopped)
	if o != outcomeStopped {
		return o
	}
	if err := w.alerter.Raise(ctx, models.Alert{
		Kind:     AlertDeliveryFailed,
		Severity: models.AlertCritical,
		Message: fmt.Sprintf("enrollment %d of automation %d stopped after %d failed attempts at step %d: %v",
			e.ID, e.AutomationID, t.RetryCount, e.CurrentStepIndex, derr),
		AutomationID: utils.Pointer(e.AutomationID),
		EnrollmentID: utils.Pointer(e.ID),
	}); err != nil {
		utils.LogError(w.log, "AlertError", err, map[string]interface{}{"enrollment_id": e.ID})
	}
	return o
}

// write applies t, reporting a stale outcome when the enrollment changed
// since it was claimed.
func (w *SequenceWorker) write(ctx context.Context, e *models.Enrollment, t models.Transition, o outcome) outcome {
	if err := w.enrollments.ApplyTransition(ctx, e, t); err != nil {
		if errors.Is(err, models.ErrStaleEnrollment) {
			w.log.WithFields(logrus.Fields{
				"enrollment_id": e.ID,
				"step_index":    e.CurrentStepIndex,
				"transition":    t.Status,
			}).Warn("Enrollment changed during dispatch; keeping stored state")
			return outcomeStale
		}
		w.logEnrollmentError("TransitionError", err, e)
		return outcomeError
	}
	return o
}

func (w *SequenceWorker) release(ctx context.Context, e *models.Enrollment) outcome {
	if err := w.enrollments.Release(ctx, e); err != nil && !errors.Is(err, models.ErrStaleEnrollment) {
		w.logEnrollmentError("ReleaseError", err, e)
		return outcomeError
	}
	return outcomeReleased
}

func (w *SequenceWorker) logEnrollmentError(errorType string, err error, e *models.Enrollment) {
	utils.LogError(w.log, errorType, err, map[string]interface{}{
		"enrollment_id": e.ID,
		"automation_id": e.AutomationID,
		"step_index":    e.CurrentStepIndex,
		"retry_count":   e.RetryCount,
	})
}
