package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/coursepay/internal/enrollment/config"
	"github.com/iurnickita/coursepay/internal/model"
	"github.com/iurnickita/coursepay/internal/notify"
	"github.com/iurnickita/coursepay/internal/store"
)

type fakeNotify struct {
	mu      sync.Mutex
	courses []string
	err     error
}

func (f *fakeNotify) EnrollmentConfirmation(_ context.Context, _ model.User, course model.Course) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.courses = append(f.courses, course.ID)
	return nil
}

func (f *fakeNotify) PaymentReceipt(context.Context, model.User, notify.Receipt) error {
	return nil
}

// failingStore ломает выбранный шаг для выбранного курса
type failingStore struct {
	store.Store
	mu         sync.Mutex
	failCourse string
	failStep   string
}

func (f *failingStore) shouldFail(step string, courseID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failStep == step && f.failCourse == courseID
}

func (f *failingStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStep = ""
}

func (f *failingStore) CourseEnroll(ctx context.Context, courseID string, userID string) (bool, error) {
	if f.shouldFail("course", courseID) {
		return false, errors.New("course write timeout")
	}
	return f.Store.CourseEnroll(ctx, courseID, userID)
}

func (f *failingStore) ProgressCreate(ctx context.Context, courseID string, userID string) (model.Progress, bool, error) {
	if f.shouldFail("progress", courseID) {
		return model.Progress{}, false, errors.New("progress write timeout")
	}
	return f.Store.ProgressCreate(ctx, courseID, userID)
}

func (f *failingStore) UserAppendCourse(ctx context.Context, userID string, courseID string, progressID string) error {
	if f.shouldFail("user", courseID) {
		return errors.New("user write timeout")
	}
	return f.Store.UserAppendCourse(ctx, userID, courseID, progressID)
}

func newTestMemory() *store.MemoryStore {
	mem := store.NewMemoryStore()
	mem.PutCourse(model.Course{ID: "c1", Name: "Go", Price: 500})
	mem.PutCourse(model.Course{ID: "c2", Name: "SQL", Price: 300})
	mem.PutUser(model.User{ID: "u1", Email: "u1@example.com", FirstName: "Ann", LastName: "Lee"})
	return mem
}

func newTestEnrollment(s store.Store, n notify.Notify) Enrollment {
	return NewEnrollment(config.Config{MaxTries: 3, StallAfter: time.Minute}, s, n, zap.NewNop())
}

func TestEnrollSingleCourse(t *testing.T) {
	mem := newTestMemory()
	n := &fakeNotify{}
	e := newTestEnrollment(mem, n)
	ctx := context.Background()

	outcomes := e.Enroll(ctx, Request{OrderID: "order_1", PaymentID: "pay_1", UserID: "u1", CourseIDs: []string{"c1"}})
	require.Equal(t, []Outcome{{CourseID: "c1", Status: OutcomeEnrolled}}, outcomes)

	course, err := mem.CourseGet(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, course.Students)

	progress, err := mem.ProgressGet(ctx, "c1", "u1")
	require.NoError(t, err)
	require.Empty(t, progress.CompletedVideos)
	require.Equal(t, 1, mem.ProgressCount("c1", "u1"))

	user, err := mem.UserGet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, user.Courses)
	require.Equal(t, []string{progress.ID}, user.Progress)

	require.Equal(t, []string{"c1"}, n.courses)

	attempt, ok := mem.AttemptGet("pay_1", "c1")
	require.True(t, ok)
	require.Equal(t, model.EnrollmentStatusCompleted, attempt.Status)
	require.Equal(t, model.EnrollmentStepNotified, attempt.Step)
}

func TestEnrollSkipsMissingCourse(t *testing.T) {
	mem := newTestMemory()
	e := newTestEnrollment(mem, &fakeNotify{})
	ctx := context.Background()

	outcomes := e.Enroll(ctx, Request{OrderID: "order_1", PaymentID: "pay_1", UserID: "u1", CourseIDs: []string{"c1", "c404"}})
	require.Equal(t, []Outcome{
		{CourseID: "c1", Status: OutcomeEnrolled},
		{CourseID: "c404", Status: OutcomeNotFound, Reason: "course not found"},
	}, outcomes)

	user, err := mem.UserGet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, user.Courses)
	require.Equal(t, 0, mem.ProgressCount("c404", "u1"))

	// повтор дает тот же результат
	outcomes = e.Enroll(ctx, Request{OrderID: "order_1", PaymentID: "pay_1", UserID: "u1", CourseIDs: []string{"c404"}})
	require.Equal(t, OutcomeNotFound, outcomes[0].Status)
}

func TestEnrollReplayDoesNotDuplicate(t *testing.T) {
	mem := newTestMemory()
	n := &fakeNotify{}
	e := newTestEnrollment(mem, n)
	ctx := context.Background()
	req := Request{OrderID: "order_1", PaymentID: "pay_1", UserID: "u1", CourseIDs: []string{"c1", "c2"}}

	first := e.Enroll(ctx, req)
	second := e.Enroll(ctx, req)

	for _, o := range first {
		require.Equal(t, OutcomeEnrolled, o.Status)
	}
	for _, o := range second {
		require.Equal(t, OutcomeAlreadyEnrolled, o.Status)
	}
	require.Equal(t, 1, mem.ProgressCount("c1", "u1"))
	require.Equal(t, 1, mem.ProgressCount("c2", "u1"))

	user, err := mem.UserGet(ctx, "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c1", "c2"}, user.Courses)
	require.Len(t, user.Progress, 2)
	require.Len(t, n.courses, 2)

	// другой платеж за тот же курс тоже не дублирует
	third := e.Enroll(ctx, Request{OrderID: "order_2", PaymentID: "pay_2", UserID: "u1", CourseIDs: []string{"c1"}})
	require.Equal(t, OutcomeAlreadyEnrolled, third[0].Status)
	require.Equal(t, 1, mem.ProgressCount("c1", "u1"))
}

func TestEnrollDuplicateCourseIDs(t *testing.T) {
	mem := newTestMemory()
	e := newTestEnrollment(mem, &fakeNotify{})

	outcomes := e.Enroll(context.Background(), Request{OrderID: "o", PaymentID: "p", UserID: "u1", CourseIDs: []string{"c1", "c1"}})
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeEnrolled, outcomes[0].Status)
}

func TestEnrollNotificationFailureKeepsEnrollment(t *testing.T) {
	mem := newTestMemory()
	e := newTestEnrollment(mem, &fakeNotify{err: fmt.Errorf("%w: smtp down", notify.ErrMail)})
	ctx := context.Background()

	outcomes := e.Enroll(ctx, Request{OrderID: "o", PaymentID: "p", UserID: "u1", CourseIDs: []string{"c1"}})
	require.Equal(t, OutcomeEnrolled, outcomes[0].Status)

	user, err := mem.UserGet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, user.Courses)

	attempt, ok := mem.AttemptGet("p", "c1")
	require.True(t, ok)
	require.Equal(t, model.EnrollmentStatusCompleted, attempt.Status)
}

func TestEnrollIsolatesFailures(t *testing.T) {
	for _, step := range []string{"course", "progress", "user"} {
		t.Run(step, func(t *testing.T) {
			mem := newTestMemory()
			fs := &failingStore{Store: mem, failCourse: "c2", failStep: step}
			e := newTestEnrollment(fs, &fakeNotify{})
			ctx := context.Background()

			outcomes := e.Enroll(ctx, Request{OrderID: "o", PaymentID: "p", UserID: "u1", CourseIDs: []string{"c1", "c2"}})
			require.Equal(t, OutcomeEnrolled, outcomes[0].Status)
			require.Equal(t, OutcomeFailed, outcomes[1].Status)
			require.NotEmpty(t, outcomes[1].Reason)

			attempt, ok := mem.AttemptGet("p", "c2")
			require.True(t, ok)
			require.Equal(t, model.EnrollmentStatusFailed, attempt.Status)
			require.Contains(t, attempt.LastError, "timeout")
		})
	}
}

func TestResumeCompletesFailedAttempt(t *testing.T) {
	mem := newTestMemory()
	fs := &failingStore{Store: mem, failCourse: "c1", failStep: "user"}
	n := &fakeNotify{}
	e := newTestEnrollment(fs, n)
	ctx := context.Background()

	outcomes := e.Enroll(ctx, Request{OrderID: "o", PaymentID: "p", UserID: "u1", CourseIDs: []string{"c1"}})
	require.Equal(t, OutcomeFailed, outcomes[0].Status)

	// курс и прогресс записаны, пользователь - нет
	course, err := mem.CourseGet(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, course.Students)
	require.Equal(t, 1, mem.ProgressCount("c1", "u1"))

	// свежие попытки не трогаем
	completed, err := e.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, completed)

	fs.heal()
	mem.SetAttemptUpdatedAt("p", "c1", time.Now().Add(-time.Hour))

	completed, err = e.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, completed)

	user, err := mem.UserGet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, user.Courses)
	require.Equal(t, 1, mem.ProgressCount("c1", "u1"))
	require.Equal(t, []string{"c1"}, n.courses)

	attempt, ok := mem.AttemptGet("p", "c1")
	require.True(t, ok)
	require.Equal(t, model.EnrollmentStatusCompleted, attempt.Status)
	require.Equal(t, 2, attempt.Tries)
}

func TestResumeAfterCrashBetweenSteps(t *testing.T) {
	mem := newTestMemory()
	e := newTestEnrollment(mem, &fakeNotify{})
	ctx := context.Background()

	// сбой после записи в курс, но до фиксации шага
	attempt, _, err := mem.AttemptStart(ctx, model.EnrollmentAttempt{OrderID: "o", PaymentID: "p", UserID: "u1", CourseID: "c1"})
	require.NoError(t, err)
	_, err = mem.AttemptClaim(ctx, attempt)
	require.NoError(t, err)
	_, err = mem.CourseEnroll(ctx, "c1", "u1")
	require.NoError(t, err)
	mem.SetAttemptUpdatedAt("p", "c1", time.Now().Add(-time.Hour))

	completed, err := e.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, completed)

	user, err := mem.UserGet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, user.Courses)
}

func TestStaleReplayKeepsFailedAttemptRecoverable(t *testing.T) {
	mem := newTestMemory()
	fs := &failingStore{Store: mem, failCourse: "c1", failStep: "progress"}
	e := newTestEnrollment(fs, &fakeNotify{})
	ctx := context.Background()
	req := Request{OrderID: "o", PaymentID: "p", UserID: "u1", CourseIDs: []string{"c1"}}

	// второй колбэк прочитал попытку до того, как первый ее захватил
	stale, _, err := mem.AttemptStart(ctx, model.EnrollmentAttempt{OrderID: "o", PaymentID: "p", UserID: "u1", CourseID: "c1"})
	require.NoError(t, err)
	mem.SetAttemptUpdatedAt("p", "c1", time.Now().Add(-time.Hour))

	first := e.Enroll(ctx, req)
	require.Equal(t, OutcomeFailed, first[0].Status)

	second := e.(*enrollment).drive(ctx, stale, zap.NewNop())
	require.Equal(t, Outcome{CourseID: "c1", Status: OutcomeFailed, Reason: "enrollment in progress"}, second)

	attempt, ok := mem.AttemptGet("p", "c1")
	require.True(t, ok)
	require.Equal(t, model.EnrollmentStatusFailed, attempt.Status)
	require.Equal(t, model.EnrollmentStepCourseEnrolled, attempt.Step)
	require.Equal(t, 1, attempt.Tries)

	fs.heal()
	mem.SetAttemptUpdatedAt("p", "c1", time.Now().Add(-time.Hour))
	completed, err := e.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, completed)

	require.Equal(t, 1, mem.ProgressCount("c1", "u1"))
	user, err := mem.UserGet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, user.Courses)
}

func TestReplayLeavesRunningAttempt(t *testing.T) {
	mem := newTestMemory()
	e := newTestEnrollment(mem, &fakeNotify{})
	ctx := context.Background()

	// первый обработчик захватил попытку и еще работает
	attempt, _, err := mem.AttemptStart(ctx, model.EnrollmentAttempt{OrderID: "o", PaymentID: "p", UserID: "u1", CourseID: "c1"})
	require.NoError(t, err)
	_, err = mem.AttemptClaim(ctx, attempt)
	require.NoError(t, err)

	outcomes := e.Enroll(ctx, Request{OrderID: "o", PaymentID: "p", UserID: "u1", CourseIDs: []string{"c1"}})
	require.Equal(t, OutcomeFailed, outcomes[0].Status)
	require.Equal(t, "enrollment in progress", outcomes[0].Reason)

	course, err := mem.CourseGet(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, course.Students)
	stored, ok := mem.AttemptGet("p", "c1")
	require.True(t, ok)
	require.Equal(t, model.EnrollmentStatusRunning, stored.Status)
	require.Equal(t, 1, stored.Tries)
}

func TestResumeRespectsMaxTries(t *testing.T) {
	mem := newTestMemory()
	fs := &failingStore{Store: mem, failCourse: "c1", failStep: "progress"}
	e := newTestEnrollment(fs, &fakeNotify{})
	ctx := context.Background()

	e.Enroll(ctx, Request{OrderID: "o", PaymentID: "p", UserID: "u1", CourseIDs: []string{"c1"}})
	for i := 0; i < 5; i++ {
		mem.SetAttemptUpdatedAt("p", "c1", time.Now().Add(-time.Hour))
		_, err := e.Resume(ctx)
		require.NoError(t, err)
	}

	attempt, ok := mem.AttemptGet("p", "c1")
	require.True(t, ok)
	require.Equal(t, 3, attempt.Tries)
	require.Equal(t, model.EnrollmentStatusFailed, attempt.Status)
}

func TestEnrollManyCoursesConcurrently(t *testing.T) {
	mem := newTestMemory()
	var ids []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("bulk-%d", i)
		mem.PutCourse(model.Course{ID: id, Name: id, Price: 10})
		ids = append(ids, id)
	}
	e := newTestEnrollment(mem, &fakeNotify{})

	outcomes := e.Enroll(context.Background(), Request{OrderID: "o", PaymentID: "p", UserID: "u1", CourseIDs: ids})
	require.Len(t, outcomes, len(ids))
	for i, o := range outcomes {
		require.Equal(t, ids[i], o.CourseID)
		require.Equal(t, OutcomeEnrolled, o.Status)
	}

	user, err := mem.UserGet(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, user.Courses, len(ids))
}

func TestStartRecovery(t *testing.T) {
	e := newTestEnrollment(newTestMemory(), &fakeNotify{})

	c, err := StartRecovery(e, "@every 1h", zap.NewNop())
	require.NoError(t, err)
	c.Stop()

	_, err = StartRecovery(e, "not a schedule", zap.NewNop())
	require.Error(t, err)
}
