package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iurnickita/coursepay/internal/model"
	"github.com/iurnickita/coursepay/internal/store/config"
)

type Store interface {
	CourseGet(ctx context.Context, courseID string) (model.Course, error)
	// CourseEnroll adds the user to the course's students if absent.
	// added is false when the user was already there.
	CourseEnroll(ctx context.Context, courseID string, userID string) (added bool, err error)
	UserGet(ctx context.Context, userID string) (model.User, error)
	UserAppendCourse(ctx context.Context, userID string, courseID string, progressID string) error
	ProgressCreate(ctx context.Context, courseID string, userID string) (progress model.Progress, created bool, err error)
	ProgressGet(ctx context.Context, courseID string, userID string) (model.Progress, error)
	AttemptStart(ctx context.Context, attempt model.EnrollmentAttempt) (stored model.EnrollmentAttempt, created bool, err error)
	// AttemptClaim starts a new try: it increments Tries and marks the attempt
	// running only if the stored Tries still equals attempt.Tries.
	// ErrConflict means another worker claimed it first.
	AttemptClaim(ctx context.Context, attempt model.EnrollmentAttempt) (model.EnrollmentAttempt, error)
	// AttemptUpdate writes step, status, progress and error of the current
	// try. ErrConflict when the attempt was claimed by a newer try.
	AttemptUpdate(ctx context.Context, attempt model.EnrollmentAttempt) error
	AttemptListStalled(ctx context.Context, before time.Time, maxTries int) ([]model.EnrollmentAttempt, error)
	Close()
}

var (
	ErrNoRows   = errors.New("no rows")
	ErrConflict = errors.New("attempt claimed by another worker")
)

const stalledBatchSize = 100

// NewStore открывает Postgres по DSN, без DSN - хранилище в памяти
func NewStore(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemoryStore(), nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &store{pool: pool}, nil
}

var schema = []string{
	// Каталог курсов. Цена в основных единицах
	`CREATE TABLE IF NOT EXISTS courses (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		thumbnail   TEXT NOT NULL DEFAULT '',
		price       BIGINT NOT NULL CHECK (price >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name  TEXT NOT NULL DEFAULT ''
	)`,
	// Множество студентов курса: пара уникальна
	`CREATE TABLE IF NOT EXISTS course_students (
		course_id   TEXT NOT NULL REFERENCES courses (id),
		user_id     TEXT NOT NULL,
		enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (course_id, user_id)
	)`,
	// Упорядоченный список курсов пользователя
	`CREATE TABLE IF NOT EXISTS user_courses (
		user_id     TEXT NOT NULL REFERENCES users (id),
		course_id   TEXT NOT NULL,
		progress_id TEXT NOT NULL,
		position    BIGSERIAL,
		PRIMARY KEY (user_id, course_id)
	)`,
	`CREATE TABLE IF NOT EXISTS course_progress (
		id               TEXT PRIMARY KEY,
		course_id        TEXT NOT NULL,
		user_id          TEXT NOT NULL,
		completed_videos TEXT[] NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (course_id, user_id)
	)`,
	// Журнал саги зачисления
	`CREATE TABLE IF NOT EXISTS enrollment_attempts (
		id          TEXT PRIMARY KEY,
		order_id    TEXT NOT NULL,
		payment_id  TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		course_id   TEXT NOT NULL,
		step        TEXT NOT NULL,
		status      TEXT NOT NULL,
		progress_id TEXT NOT NULL DEFAULT '',
		tries       INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL,
		UNIQUE (payment_id, course_id)
	)`,
	`CREATE INDEX IF NOT EXISTS enrollment_attempts_stalled_idx
		ON enrollment_attempts (status, updated_at)`,
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type store struct {
	pool *pgxpool.Pool
}

func (store *store) Close() {
	store.pool.Close()
}

func (store *store) CourseGet(ctx context.Context, courseID string) (model.Course, error) {
	var course model.Course
	err := store.pool.QueryRow(ctx,
		"SELECT c.id, c.name, c.description, c.thumbnail, c.price,"+
			" COALESCE(array_agg(s.user_id ORDER BY s.enrolled_at)"+
			"   FILTER (WHERE s.user_id IS NOT NULL), '{}')"+
			" FROM courses c"+
			" LEFT JOIN course_students s ON s.course_id = c.id"+
			" WHERE c.id = $1"+
			" GROUP BY c.id",
		courseID).Scan(&course.ID,
		&course.Name,
		&course.Description,
		&course.Thumbnail,
		&course.Price,
		&course.Students)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Course{}, ErrNoRows
		}
		return model.Course{}, fmt.Errorf("get course: %w", err)
	}
	return course, nil
}

func (store *store) CourseEnroll(ctx context.Context, courseID string, userID string) (bool, error) {
	// Одна инструкция: проверка курса и вставка без дублей
	var found, added bool
	err := store.pool.QueryRow(ctx,
		"WITH c AS (SELECT id FROM courses WHERE id = $1),"+
			" ins AS ("+
			"   INSERT INTO course_students (course_id, user_id)"+
			"   SELECT id, $2 FROM c"+
			"   ON CONFLICT (course_id, user_id) DO NOTHING"+
			"   RETURNING course_id)"+
			" SELECT EXISTS (SELECT 1 FROM c), EXISTS (SELECT 1 FROM ins)",
		courseID,
		userID).Scan(&found, &added)
	if err != nil {
		// Курс удален между проверкой и вставкой
		if isForeignKeyViolation(err) {
			return false, ErrNoRows
		}
		return false, fmt.Errorf("enroll course: %w", err)
	}
	if !found {
		return false, ErrNoRows
	}
	return added, nil
}

func (store *store) UserGet(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	err := store.pool.QueryRow(ctx,
		"SELECT u.id, u.email, u.first_name, u.last_name,"+
			" COALESCE(array_agg(uc.course_id ORDER BY uc.position)"+
			"   FILTER (WHERE uc.course_id IS NOT NULL), '{}'),"+
			" COALESCE(array_agg(uc.progress_id ORDER BY uc.position)"+
			"   FILTER (WHERE uc.course_id IS NOT NULL), '{}')"+
			" FROM users u"+
			" LEFT JOIN user_courses uc ON uc.user_id = u.id"+
			" WHERE u.id = $1"+
			" GROUP BY u.id",
		userID).Scan(&user.ID,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.Courses,
		&user.Progress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNoRows
		}
		return model.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (store *store) UserAppendCourse(ctx context.Context, userID string, courseID string, progressID string) error {
	var found bool
	err := store.pool.QueryRow(ctx,
		"WITH u AS (SELECT id FROM users WHERE id = $1),"+
			" ins AS ("+
			"   INSERT INTO user_courses (user_id, course_id, progress_id)"+
			"   SELECT id, $2, $3 FROM u"+
			"   ON CONFLICT (user_id, course_id) DO NOTHING"+
			"   RETURNING user_id)"+
			" SELECT EXISTS (SELECT 1 FROM u)",
		userID,
		courseID,
		progressID).Scan(&found)
	if err != nil {
		return fmt.Errorf("append user course: %w", err)
	}
	if !found {
		return ErrNoRows
	}
	return nil
}

func (store *store) ProgressCreate(ctx context.Context, courseID string, userID string) (model.Progress, bool, error) {
	var progress model.Progress
	err := store.pool.QueryRow(ctx,
		"INSERT INTO course_progress (id, course_id, user_id, completed_videos, created_at)"+
			" VALUES ($1, $2, $3, '{}', $4)"+
			" ON CONFLICT (course_id, user_id) DO NOTHING"+
			" RETURNING id, course_id, user_id, completed_videos, created_at",
		uuid.NewString(),
		courseID,
		userID,
		time.Now().UTC()).Scan(&progress.ID,
		&progress.CourseID,
		&progress.UserID,
		&progress.CompletedVideos,
		&progress.CreatedAt)
	if err != nil {
		// Запись уже есть - возвращаем ее
		if errors.Is(err, pgx.ErrNoRows) {
			progress, err = store.ProgressGet(ctx, courseID, userID)
			return progress, false, err
		}
		return model.Progress{}, false, fmt.Errorf("create progress: %w", err)
	}
	return progress, true, nil
}

func (store *store) ProgressGet(ctx context.Context, courseID string, userID string) (model.Progress, error) {
	var progress model.Progress
	err := store.pool.QueryRow(ctx,
		"SELECT id, course_id, user_id, completed_videos, created_at"+
			" FROM course_progress"+
			" WHERE course_id = $1"+
			"   AND user_id = $2",
		courseID,
		userID).Scan(&progress.ID,
		&progress.CourseID,
		&progress.UserID,
		&progress.CompletedVideos,
		&progress.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Progress{}, ErrNoRows
		}
		return model.Progress{}, fmt.Errorf("get progress: %w", err)
	}
	return progress, nil
}

const attemptColumns = "id, order_id, payment_id, user_id, course_id, step, status," +
	" progress_id, tries, last_error, created_at, updated_at"

func scanAttempt(row pgx.Row) (model.EnrollmentAttempt, error) {
	var attempt model.EnrollmentAttempt
	var step, status string
	err := row.Scan(&attempt.ID,
		&attempt.OrderID,
		&attempt.PaymentID,
		&attempt.UserID,
		&attempt.CourseID,
		&step,
		&status,
		&attempt.ProgressID,
		&attempt.Tries,
		&attempt.LastError,
		&attempt.CreatedAt,
		&attempt.UpdatedAt)
	attempt.Step = model.EnrollmentStep(step)
	attempt.Status = model.EnrollmentStatus(status)
	return attempt, err
}

func (store *store) AttemptStart(ctx context.Context, attempt model.EnrollmentAttempt) (model.EnrollmentAttempt, bool, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	stored, err := scanAttempt(store.pool.QueryRow(ctx,
		"INSERT INTO enrollment_attempts ("+attemptColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, '', 0, '', $8, $8)"+
			" ON CONFLICT (payment_id, course_id) DO NOTHING"+
			" RETURNING "+attemptColumns,
		attempt.ID,
		attempt.OrderID,
		attempt.PaymentID,
		attempt.UserID,
		attempt.CourseID,
		string(model.EnrollmentStepPending),
		string(model.EnrollmentStatusRunning),
		now))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.EnrollmentAttempt{}, false, fmt.Errorf("start attempt: %w", err)
	}

	// Повторный колбэк по тому же платежу
	stored, err = scanAttempt(store.pool.QueryRow(ctx,
		"SELECT "+attemptColumns+
			" FROM enrollment_attempts"+
			" WHERE payment_id = $1"+
			"   AND course_id = $2",
		attempt.PaymentID,
		attempt.CourseID))
	if err != nil {
		return model.EnrollmentAttempt{}, false, fmt.Errorf("load attempt: %w", err)
	}
	return stored, false, nil
}

func (store *store) AttemptClaim(ctx context.Context, attempt model.EnrollmentAttempt) (model.EnrollmentAttempt, error) {
	claimed, err := scanAttempt(store.pool.QueryRow(ctx,
		"UPDATE enrollment_attempts"+
			" SET tries = tries + 1, status = $3, updated_at = $4"+
			" WHERE id = $1"+
			"   AND tries = $2"+
			" RETURNING "+attemptColumns,
		attempt.ID,
		attempt.Tries,
		string(model.EnrollmentStatusRunning),
		time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EnrollmentAttempt{}, store.missingOrConflict(ctx, attempt.ID)
		}
		return model.EnrollmentAttempt{}, fmt.Errorf("claim attempt: %w", err)
	}
	return claimed, nil
}

func (store *store) AttemptUpdate(ctx context.Context, attempt model.EnrollmentAttempt) error {
	// tries не меняется: запись принадлежит текущей попытке
	tag, err := store.pool.Exec(ctx,
		"UPDATE enrollment_attempts"+
			" SET step = $3, status = $4, progress_id = $5, last_error = $6, updated_at = $7"+
			" WHERE id = $1"+
			"   AND tries = $2",
		attempt.ID,
		attempt.Tries,
		string(attempt.Step),
		string(attempt.Status),
		attempt.ProgressID,
		attempt.LastError,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.missingOrConflict(ctx, attempt.ID)
	}
	return nil
}

func (store *store) missingOrConflict(ctx context.Context, attemptID string) error {
	var exists bool
	err := store.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM enrollment_attempts WHERE id = $1)",
		attemptID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check attempt: %w", err)
	}
	if !exists {
		return ErrNoRows
	}
	return ErrConflict
}

func (store *store) AttemptListStalled(ctx context.Context, before time.Time, maxTries int) ([]model.EnrollmentAttempt, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT "+attemptColumns+
			" FROM enrollment_attempts"+
			" WHERE status IN ($1, $2)"+
			"   AND updated_at < $3"+
			"   AND tries < $4"+
			" ORDER BY updated_at"+
			" LIMIT $5",
		string(model.EnrollmentStatusRunning),
		string(model.EnrollmentStatusFailed),
		before,
		maxTries,
		stalledBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stalled attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.EnrollmentAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
