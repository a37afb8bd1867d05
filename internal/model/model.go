package model

import (
	"fmt"
	"time"
)

// Amount - сумма в минимальных единицах валюты (пайсы для INR)
type Amount int64

// MinorPerMajor - сколько минимальных единиц в одной основной
const MinorPerMajor = 100

func MajorToAmount(major int64) Amount {
	return Amount(major * MinorPerMajor)
}

// Major форматирует сумму в основных единицах: 50000 -> "500.00"
func (a Amount) Major() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/MinorPerMajor, v%MinorPerMajor)
}

// Курсы и пользователи

type Course struct {
	ID          string
	Name        string
	Description string
	Thumbnail   string
	Price       int64 // в основных единицах, как хранится в каталоге
	Students    []string
}

func (c Course) PriceAmount() Amount {
	return MajorToAmount(c.Price)
}

func (c Course) HasStudent(userID string) bool {
	for _, s := range c.Students {
		if s == userID {
			return true
		}
	}
	return false
}

type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Courses   []string
	Progress  []string
}

func (u User) FullName() string {
	return u.FirstName + " " + u.LastName
}

type Progress struct {
	ID              string
	CourseID        string
	UserID          string
	CompletedVideos []string
	CreatedAt       time.Time
}

// Заказ на стороне платежного шлюза

type Order struct {
	ID       string
	Currency string
	Amount   Amount
	Receipt  string
	Status   string
	Notes    OrderNotes
}

type OrderNotes struct {
	CourseIDs []string
	UserID    string
}

// Попытка зачисления (сага): одна запись на пару платеж+курс

type EnrollmentStep string

const (
	EnrollmentStepPending         EnrollmentStep = "pending"
	EnrollmentStepCourseEnrolled  EnrollmentStep = "course_enrolled"
	EnrollmentStepProgressCreated EnrollmentStep = "progress_created"
	EnrollmentStepUserUpdated     EnrollmentStep = "user_updated"
	EnrollmentStepNotified        EnrollmentStep = "notified"
)

var enrollmentStepOrder = map[EnrollmentStep]int{
	EnrollmentStepPending:         0,
	EnrollmentStepCourseEnrolled:  1,
	EnrollmentStepProgressCreated: 2,
	EnrollmentStepUserUpdated:     3,
	EnrollmentStepNotified:        4,
}

// Before reports whether step s comes before other in the saga.
func (s EnrollmentStep) Before(other EnrollmentStep) bool {
	return enrollmentStepOrder[s] < enrollmentStepOrder[other]
}

type EnrollmentStatus string

const (
	EnrollmentStatusRunning   EnrollmentStatus = "running"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusFailed    EnrollmentStatus = "failed"
	EnrollmentStatusSkipped   EnrollmentStatus = "skipped"
)

type EnrollmentAttempt struct {
	ID         string
	OrderID    string
	PaymentID  string
	UserID     string
	CourseID   string
	Step       EnrollmentStep
	Status     EnrollmentStatus
	ProgressID string
	Tries      int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
