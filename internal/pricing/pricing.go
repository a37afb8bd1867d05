package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/iurnickita/coursepay/internal/model"
	"github.com/iurnickita/coursepay/internal/store"
)

type Pricing interface {
	Quote(ctx context.Context, userID string, courseIDs []string) (Quote, error)
}

type Quote struct {
	Total   model.Amount
	Courses []model.Course
}

var (
	ErrNoCourses       = errors.New("no courses")
	ErrDuplicateCourse = errors.New("duplicate course")
	ErrCourseNotFound  = errors.New("course not found")
	ErrAlreadyEnrolled = errors.New("already enrolled in course")
)

type pricing struct {
	store store.Store
}

func NewPricing(store store.Store) Pricing {
	return &pricing{store: store}
}

// Quote проверяет курсы и суммирует цены. Ничего не пишет.
func (pricing *pricing) Quote(ctx context.Context, userID string, courseIDs []string) (Quote, error) {
	if len(courseIDs) == 0 {
		return Quote{}, ErrNoCourses
	}

	seen := make(map[string]struct{}, len(courseIDs))
	quote := Quote{Courses: make([]model.Course, 0, len(courseIDs))}
	for _, courseID := range courseIDs {
		if _, ok := seen[courseID]; ok {
			return Quote{}, fmt.Errorf("%w: %s", ErrDuplicateCourse, courseID)
		}
		seen[courseID] = struct{}{}

		course, err := pricing.store.CourseGet(ctx, courseID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return Quote{}, fmt.Errorf("%w: %s", ErrCourseNotFound, courseID)
			}
			return Quote{}, err
		}

		// уже оплачен этим пользователем
		if course.HasStudent(userID) {
			return Quote{}, fmt.Errorf("%w: %s", ErrAlreadyEnrolled, courseID)
		}

		quote.Total += course.PriceAmount()
		quote.Courses = append(quote.Courses, course)
	}

	return quote, nil
}
