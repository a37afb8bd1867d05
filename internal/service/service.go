package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/coursepay/internal/enrollment"
	"github.com/iurnickita/coursepay/internal/model"
	"github.com/iurnickita/coursepay/internal/notify"
	"github.com/iurnickita/coursepay/internal/pricing"
	"github.com/iurnickita/coursepay/internal/service/config"
	"github.com/iurnickita/coursepay/internal/service/gatewayclient"
	"github.com/iurnickita/coursepay/internal/signature"
	"github.com/iurnickita/coursepay/internal/store"
)

type Service interface {
	CreateOrder(ctx context.Context, userID string, courseIDs []string, idempotencyKey string) (OrderResult, error)
	VerifyPayment(ctx context.Context, userID string, callback Callback) (VerifyResult, error)
	SendPaymentReceipt(ctx context.Context, userID string, orderID string, paymentID string, amount model.Amount) error
}

type OrderResult struct {
	Order   model.Order
	Courses []model.Course
}

// Callback - поля, которые клиент получил от шлюза после оплаты
type Callback struct {
	OrderID   string
	PaymentID string
	Signature string
	CourseIDs []string
}

type VerifyResult struct {
	OrderID     string
	PaymentID   string
	Enrollments []enrollment.Outcome
}

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrCourseNotFound   = pricing.ErrCourseNotFound
	ErrAlreadyEnrolled  = pricing.ErrAlreadyEnrolled
	ErrUserNotFound     = errors.New("user not found")
	ErrInvalidSignature = errors.New("invalid payment signature")
	ErrOrderMismatch    = errors.New("payment does not match order")
	ErrGateway          = gatewayclient.ErrGateway
	ErrMail             = notify.ErrMail
)

const defaultCurrency = "INR"

// Пространство имен для квитанций из Idempotency-Key
var receiptNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("coursepay/receipt"))

type service struct {
	cfg        config.Config
	store      store.Store
	pricing    pricing.Pricing
	gateway    gatewayclient.GatewayClient
	verifier   *signature.Verifier
	enrollment enrollment.Enrollment
	notify     notify.Notify
	zaplog     *zap.Logger
}

func NewService(cfg config.Config, store store.Store, enrollment enrollment.Enrollment, notify notify.Notify, zaplog *zap.Logger) (Service, error) {
	if cfg.GatewayKeySecret == "" {
		return nil, errors.New("gateway key secret is not set")
	}
	gateway := gatewayclient.NewGatewayClient(cfg.GatewayAddr, cfg.GatewayKeyID, cfg.GatewayKeySecret, cfg.GatewayTimeout)
	return newService(cfg, store, gateway, enrollment, notify, zaplog), nil
}

func newService(cfg config.Config, store store.Store, gateway gatewayclient.GatewayClient,
	enrollment enrollment.Enrollment, notify notify.Notify, zaplog *zap.Logger) *service {
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	return &service{
		cfg:        cfg,
		store:      store,
		pricing:    pricing.NewPricing(store),
		gateway:    gateway,
		verifier:   signature.NewVerifier(cfg.GatewayKeySecret),
		enrollment: enrollment,
		notify:     notify,
		zaplog:     zaplog,
	}
}

func (service *service) CreateOrder(ctx context.Context, userID string, courseIDs []string, idempotencyKey string) (OrderResult, error) {
	if userID == "" || len(courseIDs) == 0 {
		return OrderResult{}, ErrInsufficientData
	}
	for _, courseID := range courseIDs {
		if courseID == "" {
			return OrderResult{}, ErrInsufficientData
		}
	}

	// Проверки до любого обращения к шлюзу
	quote, err := service.pricing.Quote(ctx, userID, courseIDs)
	if err != nil {
		if errors.Is(err, pricing.ErrNoCourses) || errors.Is(err, pricing.ErrDuplicateCourse) {
			return OrderResult{}, fmt.Errorf("%w: %v", ErrInsufficientData, err)
		}
		return OrderResult{}, err
	}

	notes := model.OrderNotes{CourseIDs: courseIDs, UserID: userID}
	receipt := receiptFor(userID, idempotencyKey)

	if idempotencyKey != "" {
		existing, err := service.gateway.FindOrderByReceipt(ctx, receipt)
		if err != nil {
			return OrderResult{}, err
		}
		if existing != nil {
			// тот же ключ с другим составом заказа
			if existing.Amount != quote.Total || existing.Notes.UserID != userID ||
				!sameCourses(existing.Notes.CourseIDs, courseIDs) {
				return OrderResult{}, fmt.Errorf("%w: idempotency key reused for a different order", ErrOrderMismatch)
			}
			service.zaplog.Info("reusing gateway order",
				zap.String("order", existing.ID),
				zap.String("receipt", receipt),
				zap.String("user", userID),
			)
			return OrderResult{Order: *existing, Courses: quote.Courses}, nil
		}
	}

	order, err := service.gateway.CreateOrder(ctx, gatewayclient.OrderRequest{
		Amount:   quote.Total,
		Currency: service.cfg.Currency,
		Receipt:  receipt,
		Notes:    notes,
	})
	if err != nil {
		return OrderResult{}, err
	}

	service.zaplog.Info("gateway order created",
		zap.String("order", order.ID),
		zap.String("receipt", receipt),
		zap.String("user", userID),
		zap.Int64("amount", int64(order.Amount)),
	)
	return OrderResult{Order: order, Courses: quote.Courses}, nil
}

// receiptFor выводит квитанцию из ключа идемпотентности клиента.
// Без ключа - случайная.
func receiptFor(userID string, idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(receiptNamespace, []byte(userID+"|"+idempotencyKey)).String()
}

func (service *service) VerifyPayment(ctx context.Context, userID string, callback Callback) (VerifyResult, error) {
	if userID == "" || callback.OrderID == "" || callback.PaymentID == "" ||
		callback.Signature == "" || len(callback.CourseIDs) == 0 {
		return VerifyResult{}, ErrInsufficientData
	}

	if !service.verifier.Verify(callback.OrderID, callback.PaymentID, callback.Signature) {
		service.zaplog.Warn("payment signature mismatch",
			zap.String("order", callback.OrderID),
			zap.String("payment", callback.PaymentID),
			zap.String("user", userID),
		)
		return VerifyResult{}, ErrInvalidSignature
	}

	order, err := service.gateway.FetchOrder(ctx, callback.OrderID)
	if err != nil {
		return VerifyResult{}, err
	}
	if err := reconcile(order, userID, callback.CourseIDs); err != nil {
		service.zaplog.Warn("payment callback does not match order",
			zap.String("order", callback.OrderID),
			zap.String("payment", callback.PaymentID),
			zap.String("user", userID),
			zap.Error(err),
		)
		return VerifyResult{}, err
	}

	outcomes := service.enrollment.Enroll(ctx, enrollment.Request{
		OrderID:   callback.OrderID,
		PaymentID: callback.PaymentID,
		UserID:    userID,
		CourseIDs: callback.CourseIDs,
	})

	return VerifyResult{
		OrderID:     callback.OrderID,
		PaymentID:   callback.PaymentID,
		Enrollments: outcomes,
	}, nil
}

// reconcile сверяет колбэк с заметками заказа на шлюзе
func reconcile(order model.Order, userID string, courseIDs []string) error {
	if order.Notes.UserID != userID {
		return fmt.Errorf("%w: order belongs to another user", ErrOrderMismatch)
	}
	paid := make(map[string]struct{}, len(order.Notes.CourseIDs))
	for _, courseID := range order.Notes.CourseIDs {
		paid[courseID] = struct{}{}
	}
	for _, courseID := range courseIDs {
		if _, ok := paid[courseID]; !ok {
			return fmt.Errorf("%w: course %s was not paid for", ErrOrderMismatch, courseID)
		}
	}
	return nil
}

// sameCourses сравнивает наборы курсов без учета порядка
func sameCourses(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, courseID := range a {
		set[courseID] = struct{}{}
	}
	for _, courseID := range b {
		if _, ok := set[courseID]; !ok {
			return false
		}
	}
	return true
}

func (service *service) SendPaymentReceipt(ctx context.Context, userID string, orderID string, paymentID string, amount model.Amount) error {
	if userID == "" || orderID == "" || paymentID == "" || amount <= 0 {
		return ErrInsufficientData
	}

	user, err := service.store.UserGet(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}

	return service.notify.PaymentReceipt(ctx, user, notify.Receipt{
		OrderID:   orderID,
		PaymentID: paymentID,
		Amount:    amount,
	})
}
