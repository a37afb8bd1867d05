// Package enrollment grants course access after a verified payment.
//
// Every (payment, course) pair is driven through a small saga whose progress
// is stored as an EnrollmentAttempt: course membership, progress record,
// user course list, confirmation email. Each step is idempotent, so an
// attempt interrupted by a crash or an error can be replayed from its
// recorded step by Resume.
package enrollment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/coursepay/internal/enrollment/config"
	"github.com/iurnickita/coursepay/internal/model"
	"github.com/iurnickita/coursepay/internal/notify"
	"github.com/iurnickita/coursepay/internal/store"
)

type Enrollment interface {
	Enroll(ctx context.Context, req Request) []Outcome
	Resume(ctx context.Context) (int, error)
}

type Request struct {
	OrderID   string
	PaymentID string
	UserID    string
	CourseIDs []string
}

type OutcomeStatus string

const (
	OutcomeEnrolled        OutcomeStatus = "enrolled"
	OutcomeAlreadyEnrolled OutcomeStatus = "already_enrolled"
	OutcomeNotFound        OutcomeStatus = "not_found"
	OutcomeFailed          OutcomeStatus = "failed"
)

type Outcome struct {
	CourseID string
	Status   OutcomeStatus
	Reason   string
}

// Причины, которые видит клиент
const (
	reasonCourseNotFound  = "course not found"
	reasonAlreadyEnrolled = "already enrolled"
	reasonAttempt         = "could not record enrollment"
	reasonCourse          = "could not update course"
	reasonProgress        = "could not create progress record"
	reasonUser            = "could not update user"
	reasonInProgress      = "enrollment in progress"
)

const (
	defaultConcurrency = 4
	defaultMaxTries    = 5
	defaultStallAfter  = 5 * time.Minute
)

type enrollment struct {
	cfg    config.Config
	store  store.Store
	notify notify.Notify
	zaplog *zap.Logger
}

func NewEnrollment(cfg config.Config, store store.Store, notify notify.Notify, zaplog *zap.Logger) Enrollment {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = defaultMaxTries
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = defaultStallAfter
	}
	return &enrollment{
		cfg:    cfg,
		store:  store,
		notify: notify,
		zaplog: zaplog,
	}
}

// Enroll runs the saga for every course of the request and returns one
// outcome per distinct course id, in request order. Failures of one course
// never stop the others.
func (e *enrollment) Enroll(ctx context.Context, req Request) []Outcome {
	// платеж подтвержден - отключение клиента не должно прерывать зачисление
	ctx = context.WithoutCancel(ctx)

	courseIDs := unique(req.CourseIDs)
	outcomes := make([]Outcome, len(courseIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, courseID := range courseIDs {
		g.Go(func() error {
			outcomes[i] = e.enrollCourse(gctx, req, courseID)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (e *enrollment) enrollCourse(ctx context.Context, req Request, courseID string) Outcome {
	zaplog := e.zaplog.With(
		zap.String("order", req.OrderID),
		zap.String("payment", req.PaymentID),
		zap.String("user", req.UserID),
		zap.String("course", courseID),
	)

	attempt, created, err := e.store.AttemptStart(ctx, model.EnrollmentAttempt{
		OrderID:   req.OrderID,
		PaymentID: req.PaymentID,
		UserID:    req.UserID,
		CourseID:  courseID,
	})
	if err != nil {
		zaplog.Error("start enrollment attempt", zap.Error(err))
		return Outcome{CourseID: courseID, Status: OutcomeFailed, Reason: reasonAttempt}
	}

	if !created {
		// повтор того же колбэка
		switch attempt.Status {
		case model.EnrollmentStatusCompleted:
			zaplog.Info("enrollment already completed for payment")
			return Outcome{CourseID: courseID, Status: OutcomeAlreadyEnrolled, Reason: reasonAlreadyEnrolled}
		case model.EnrollmentStatusSkipped:
			return skippedOutcome(attempt)
		case model.EnrollmentStatusRunning:
			// ведет другой обработчик; зависшие подберет Resume
			if time.Since(attempt.UpdatedAt) < e.cfg.StallAfter {
				zaplog.Info("enrollment attempt is running elsewhere")
				return inProgressOutcome(courseID)
			}
		}
	}

	return e.drive(ctx, attempt, zaplog)
}

// drive продолжает сагу с записанного шага
func (e *enrollment) drive(ctx context.Context, attempt model.EnrollmentAttempt, zaplog *zap.Logger) Outcome {
	courseID := attempt.CourseID

	// Новая попытка только если запись не изменилась с момента чтения
	claimed, err := e.store.AttemptClaim(ctx, attempt)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			zaplog.Info("enrollment attempt claimed by another worker")
			return inProgressOutcome(courseID)
		}
		zaplog.Error("claim enrollment attempt", zap.Error(err))
		return Outcome{CourseID: courseID, Status: OutcomeFailed, Reason: reasonAttempt}
	}
	attempt = claimed

	fail := func(reason string, err error) Outcome {
		zaplog.Error("enrollment step failed",
			zap.String("step", string(attempt.Step)),
			zap.Int("tries", attempt.Tries),
			zap.Error(err),
		)
		attempt.Status = model.EnrollmentStatusFailed
		attempt.LastError = err.Error()
		if err := e.store.AttemptUpdate(ctx, attempt); err != nil {
			zaplog.Error("record enrollment failure", zap.Error(err))
		}
		return Outcome{CourseID: courseID, Status: OutcomeFailed, Reason: reason}
	}
	advance := func(step model.EnrollmentStep) error {
		attempt.Step = step
		attempt.LastError = ""
		return e.store.AttemptUpdate(ctx, attempt)
	}
	// попытку перехватили - дальше ведет новый владелец
	advanceFailed := func(err error) Outcome {
		if errors.Is(err, store.ErrConflict) {
			zaplog.Info("enrollment attempt taken over", zap.Int("tries", attempt.Tries))
			return inProgressOutcome(courseID)
		}
		return fail(reasonAttempt, err)
	}

	// 1. Пользователь в множестве студентов курса
	if attempt.Step.Before(model.EnrollmentStepCourseEnrolled) {
		added, err := e.store.CourseEnroll(ctx, courseID, attempt.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				zaplog.Error("course not found for enrollment")
				return e.skip(ctx, attempt, reasonCourseNotFound, zaplog)
			}
			return fail(reasonCourse, err)
		}
		// Первая попытка захвачена только одним обработчиком, поэтому no-op
		// на ней значит: уже зачислен другим платежом.
		// На повторных шаг мог выполниться до сбоя.
		if !added && attempt.Tries == 1 {
			zaplog.Warn("user already enrolled in course")
			return e.skip(ctx, attempt, reasonAlreadyEnrolled, zaplog)
		}
		if err := advance(model.EnrollmentStepCourseEnrolled); err != nil {
			return advanceFailed(err)
		}
	}

	// 2. Запись прогресса
	if attempt.Step.Before(model.EnrollmentStepProgressCreated) {
		progress, _, err := e.store.ProgressCreate(ctx, courseID, attempt.UserID)
		if err != nil {
			return fail(reasonProgress, err)
		}
		attempt.ProgressID = progress.ID
		if err := advance(model.EnrollmentStepProgressCreated); err != nil {
			return advanceFailed(err)
		}
	}

	// 3. Курс и прогресс в профиле пользователя
	if attempt.Step.Before(model.EnrollmentStepUserUpdated) {
		if err := e.store.UserAppendCourse(ctx, attempt.UserID, courseID, attempt.ProgressID); err != nil {
			return fail(reasonUser, err)
		}
		if err := advance(model.EnrollmentStepUserUpdated); err != nil {
			return advanceFailed(err)
		}
	}

	// 4. Письмо. Ошибка не откатывает зачисление
	if attempt.Step.Before(model.EnrollmentStepNotified) {
		e.sendConfirmation(ctx, attempt, zaplog)
		attempt.Step = model.EnrollmentStepNotified
	}

	attempt.Status = model.EnrollmentStatusCompleted
	attempt.LastError = ""
	if err := e.store.AttemptUpdate(ctx, attempt); err != nil {
		// зачисление уже зафиксировано, восстановление допишет статус
		zaplog.Error("record enrollment completion", zap.Error(err))
	}
	zaplog.Info("enrollment complete")
	return Outcome{CourseID: courseID, Status: OutcomeEnrolled}
}

func (e *enrollment) skip(ctx context.Context, attempt model.EnrollmentAttempt, reason string, zaplog *zap.Logger) Outcome {
	attempt.Status = model.EnrollmentStatusSkipped
	attempt.LastError = reason
	if err := e.store.AttemptUpdate(ctx, attempt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return inProgressOutcome(attempt.CourseID)
		}
		zaplog.Error("record skipped enrollment", zap.Error(err))
	}
	return skippedOutcome(attempt)
}

func inProgressOutcome(courseID string) Outcome {
	return Outcome{CourseID: courseID, Status: OutcomeFailed, Reason: reasonInProgress}
}

func skippedOutcome(attempt model.EnrollmentAttempt) Outcome {
	if attempt.LastError == reasonCourseNotFound {
		return Outcome{CourseID: attempt.CourseID, Status: OutcomeNotFound, Reason: reasonCourseNotFound}
	}
	return Outcome{CourseID: attempt.CourseID, Status: OutcomeAlreadyEnrolled, Reason: reasonAlreadyEnrolled}
}

func (e *enrollment) sendConfirmation(ctx context.Context, attempt model.EnrollmentAttempt, zaplog *zap.Logger) {
	course, err := e.store.CourseGet(ctx, attempt.CourseID)
	if err != nil {
		zaplog.Error("load course for confirmation email", zap.Error(err))
		return
	}
	user, err := e.store.UserGet(ctx, attempt.UserID)
	if err != nil {
		zaplog.Error("load user for confirmation email", zap.Error(err))
		return
	}
	if err := e.notify.EnrollmentConfirmation(ctx, user, course); err != nil {
		zaplog.Error("send enrollment confirmation", zap.Error(err))
	}
}

// Resume drives stalled attempts to completion and returns how many of them
// ended enrolled.
func (e *enrollment) Resume(ctx context.Context) (int, error) {
	attempts, err := e.store.AttemptListStalled(ctx, time.Now().UTC().Add(-e.cfg.StallAfter), e.cfg.MaxTries)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		zaplog := e.zaplog.With(
			zap.String("order", attempt.OrderID),
			zap.String("payment", attempt.PaymentID),
			zap.String("user", attempt.UserID),
			zap.String("course", attempt.CourseID),
			zap.String("step", string(attempt.Step)),
		)
		zaplog.Info("resuming enrollment attempt", zap.Int("tries", attempt.Tries))
		if outcome := e.drive(ctx, attempt, zaplog); outcome.Status == OutcomeEnrolled {
			completed++
		}
	}
	return completed, nil
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
