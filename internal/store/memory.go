package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iurnickita/coursepay/internal/model"
)

// MemoryStore keeps everything in process memory. Used when no database is
// configured and by tests.
type MemoryStore struct {
	mu       sync.Mutex
	courses  map[string]model.Course
	users    map[string]model.User
	progress map[progressKey]model.Progress
	attempts map[attemptKey]model.EnrollmentAttempt
}

type progressKey struct {
	course string
	user   string
}

type attemptKey struct {
	payment string
	course  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:  make(map[string]model.Course),
		users:    make(map[string]model.User),
		progress: make(map[progressKey]model.Progress),
		attempts: make(map[attemptKey]model.EnrollmentAttempt),
	}
}

// PutCourse inserts or replaces a course.
func (m *MemoryStore) PutCourse(course model.Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	course.Students = append([]string(nil), course.Students...)
	m.courses[course.ID] = course
}

// PutUser inserts or replaces a user.
func (m *MemoryStore) PutUser(user model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.Courses = append([]string(nil), user.Courses...)
	user.Progress = append([]string(nil), user.Progress...)
	m.users[user.ID] = user
}

// ProgressCount returns the number of progress records for the pair.
func (m *MemoryStore) ProgressCount(courseID string, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.progress[progressKey{courseID, userID}]; ok {
		return 1
	}
	return 0
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) CourseGet(_ context.Context, courseID string) (model.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	course, ok := m.courses[courseID]
	if !ok {
		return model.Course{}, ErrNoRows
	}
	course.Students = append([]string(nil), course.Students...)
	return course, nil
}

func (m *MemoryStore) CourseEnroll(_ context.Context, courseID string, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	course, ok := m.courses[courseID]
	if !ok {
		return false, ErrNoRows
	}
	if course.HasStudent(userID) {
		return false, nil
	}
	course.Students = append(course.Students, userID)
	m.courses[courseID] = course
	return true, nil
}

func (m *MemoryStore) UserGet(_ context.Context, userID string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return model.User{}, ErrNoRows
	}
	user.Courses = append([]string(nil), user.Courses...)
	user.Progress = append([]string(nil), user.Progress...)
	return user, nil
}

func (m *MemoryStore) UserAppendCourse(_ context.Context, userID string, courseID string, progressID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrNoRows
	}
	for _, c := range user.Courses {
		if c == courseID {
			return nil
		}
	}
	user.Courses = append(user.Courses, courseID)
	user.Progress = append(user.Progress, progressID)
	m.users[userID] = user
	return nil
}

func (m *MemoryStore) ProgressCreate(_ context.Context, courseID string, userID string) (model.Progress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey{courseID, userID}
	if progress, ok := m.progress[key]; ok {
		return progress, false, nil
	}
	progress := model.Progress{
		ID:              uuid.NewString(),
		CourseID:        courseID,
		UserID:          userID,
		CompletedVideos: []string{},
		CreatedAt:       time.Now().UTC(),
	}
	m.progress[key] = progress
	return progress, true, nil
}

func (m *MemoryStore) ProgressGet(_ context.Context, courseID string, userID string) (model.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	progress, ok := m.progress[progressKey{courseID, userID}]
	if !ok {
		return model.Progress{}, ErrNoRows
	}
	return progress, nil
}

func (m *MemoryStore) AttemptStart(_ context.Context, attempt model.EnrollmentAttempt) (model.EnrollmentAttempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attemptKey{attempt.PaymentID, attempt.CourseID}
	if stored, ok := m.attempts[key]; ok {
		return stored, false, nil
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	attempt.Step = model.EnrollmentStepPending
	attempt.Status = model.EnrollmentStatusRunning
	attempt.ProgressID = ""
	attempt.Tries = 0
	attempt.LastError = ""
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	m.attempts[key] = attempt
	return attempt, true, nil
}

func (m *MemoryStore) AttemptClaim(_ context.Context, attempt model.EnrollmentAttempt) (model.EnrollmentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attemptKey{attempt.PaymentID, attempt.CourseID}
	stored, ok := m.attempts[key]
	if !ok || stored.ID != attempt.ID {
		return model.EnrollmentAttempt{}, ErrNoRows
	}
	if stored.Tries != attempt.Tries {
		return model.EnrollmentAttempt{}, ErrConflict
	}
	stored.Tries++
	stored.Status = model.EnrollmentStatusRunning
	stored.UpdatedAt = time.Now().UTC()
	m.attempts[key] = stored
	return stored, nil
}

func (m *MemoryStore) AttemptUpdate(_ context.Context, attempt model.EnrollmentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attemptKey{attempt.PaymentID, attempt.CourseID}
	stored, ok := m.attempts[key]
	if !ok || stored.ID != attempt.ID {
		return ErrNoRows
	}
	if stored.Tries != attempt.Tries {
		return ErrConflict
	}
	attempt.CreatedAt = stored.CreatedAt
	attempt.UpdatedAt = time.Now().UTC()
	m.attempts[key] = attempt
	return nil
}

// AttemptGet returns the attempt for the payment and course.
func (m *MemoryStore) AttemptGet(paymentID string, courseID string) (model.EnrollmentAttempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[attemptKey{paymentID, courseID}]
	return attempt, ok
}

// SetAttemptUpdatedAt moves an attempt back in time so it looks stalled.
func (m *MemoryStore) SetAttemptUpdatedAt(paymentID string, courseID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attemptKey{paymentID, courseID}
	if attempt, ok := m.attempts[key]; ok {
		attempt.UpdatedAt = at
		m.attempts[key] = attempt
	}
}

func (m *MemoryStore) AttemptListStalled(_ context.Context, before time.Time, maxTries int) ([]model.EnrollmentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var attempts []model.EnrollmentAttempt
	for _, attempt := range m.attempts {
		if attempt.Status != model.EnrollmentStatusRunning && attempt.Status != model.EnrollmentStatusFailed {
			continue
		}
		if !attempt.UpdatedAt.Before(before) || attempt.Tries >= maxTries {
			continue
		}
		attempts = append(attempts, attempt)
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].UpdatedAt.Before(attempts[j].UpdatedAt)
	})
	if len(attempts) > stalledBatchSize {
		attempts = attempts[:stalledBatchSize]
	}
	return attempts, nil
}
