package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/iurnickita/coursepay/internal/auth"
	"github.com/iurnickita/coursepay/internal/enrollment"
	"github.com/iurnickita/coursepay/internal/gzip"
	"github.com/iurnickita/coursepay/internal/handler/config"
	"github.com/iurnickita/coursepay/internal/logger"
	"github.com/iurnickita/coursepay/internal/model"
	"github.com/iurnickita/coursepay/internal/service"
)

const (
	headerIdempotencyKey   = "Idempotency-Key"
	defaultShutdownTimeout = 10 * time.Second
)

// Serve слушает до отмены ctx, затем плавно останавливает сервер
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("http server started", zap.String("addr", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	zaplog.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	auth     auth.Auth
	service  service.Service
	validate *validator.Validate
	zaplog   *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		auth:     auth,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		zaplog:   zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /payment/order", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostOrder), h.zaplog)))
	mux.HandleFunc("POST /payment/verify", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostVerify), h.zaplog)))
	mux.HandleFunc("POST /payment/notify", gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(h.PostNotify), h.zaplog)))
	mux.HandleFunc("GET /health", h.GetHealth)

	return mux
}

type messageJSONResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type PostOrderJSONRequest struct {
	CourseIDs []string `json:"courseIds" validate:"required,min=1,dive,required"`
}

type CourseJSON struct {
	ID                string `json:"id"`
	CourseName        string `json:"courseName"`
	CourseDescription string `json:"courseDescription"`
	Thumbnail         string `json:"thumbnail"`
	Price             int64  `json:"price"`
}

type PostOrderJSONResponse struct {
	Success  bool         `json:"success"`
	OrderID  string       `json:"orderId"`
	Currency string       `json:"currency"`
	Amount   int64        `json:"amount"`
	Receipt  string       `json:"receipt"`
	Courses  []CourseJSON `json:"courses"`
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var orderJSON PostOrderJSONRequest
	if !h.decode(w, r, &orderJSON, "Please provide course ids") {
		return
	}

	userCode := auth.UserCode(r.Context())
	result, err := h.service.CreateOrder(r.Context(), userCode, orderJSON.CourseIDs, r.Header.Get(headerIdempotencyKey))
	if err != nil {
		h.serviceError(w, err, "Could not initiate order.")
		return
	}

	response := PostOrderJSONResponse{
		Success:  true,
		OrderID:  result.Order.ID,
		Currency: result.Order.Currency,
		Amount:   int64(result.Order.Amount),
		Receipt:  result.Order.Receipt,
		Courses:  make([]CourseJSON, 0, len(result.Courses)),
	}
	for _, course := range result.Courses {
		response.Courses = append(response.Courses, CourseJSON{
			ID:                course.ID,
			CourseName:        course.Name,
			CourseDescription: course.Description,
			Thumbnail:         course.Thumbnail,
			Price:             int64(course.PriceAmount()),
		})
	}
	h.writeJSON(w, http.StatusOK, response)
}

type PostVerifyJSONRequest struct {
	OrderID   string   `json:"orderId" validate:"required"`
	PaymentID string   `json:"paymentId" validate:"required"`
	Signature string   `json:"signature" validate:"required"`
	CourseIDs []string `json:"courseIds" validate:"required,min=1,dive,required"`
}

type EnrollmentJSON struct {
	CourseID string `json:"courseId"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

type PostVerifyJSONResponse struct {
	Success     bool             `json:"success"`
	Message     string           `json:"message"`
	Enrollments []EnrollmentJSON `json:"enrollments"`
}

func (h *handler) PostVerify(w http.ResponseWriter, r *http.Request) {
	var verifyJSON PostVerifyJSONRequest
	if !h.decode(w, r, &verifyJSON, "Payment details are incomplete") {
		return
	}

	userCode := auth.UserCode(r.Context())
	result, err := h.service.VerifyPayment(r.Context(), userCode, service.Callback{
		OrderID:   verifyJSON.OrderID,
		PaymentID: verifyJSON.PaymentID,
		Signature: verifyJSON.Signature,
		CourseIDs: verifyJSON.CourseIDs,
	})
	if err != nil {
		h.serviceError(w, err, "Payment verification failed")
		return
	}

	response := PostVerifyJSONResponse{
		Success:     true,
		Message:     "Payment Verified",
		Enrollments: make([]EnrollmentJSON, 0, len(result.Enrollments)),
	}
	for _, outcome := range result.Enrollments {
		if outcome.Status != enrollment.OutcomeEnrolled {
			h.zaplog.Warn("course not enrolled",
				zap.String("order", result.OrderID),
				zap.String("course", outcome.CourseID),
				zap.String("status", string(outcome.Status)),
				zap.String("reason", outcome.Reason),
			)
		}
		response.Enrollments = append(response.Enrollments, EnrollmentJSON{
			CourseID: outcome.CourseID,
			Status:   string(outcome.Status),
			Reason:   outcome.Reason,
		})
	}
	h.writeJSON(w, http.StatusOK, response)
}

type PostNotifyJSONRequest struct {
	OrderID   string `json:"orderId" validate:"required"`
	PaymentID string `json:"paymentId" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"` // в пайсах
}

func (h *handler) PostNotify(w http.ResponseWriter, r *http.Request) {
	var notifyJSON PostNotifyJSONRequest
	if !h.decode(w, r, &notifyJSON, "Please provide all the details") {
		return
	}

	userCode := auth.UserCode(r.Context())
	err := h.service.SendPaymentReceipt(r.Context(), userCode, notifyJSON.OrderID, notifyJSON.PaymentID, model.Amount(notifyJSON.Amount))
	if err != nil {
		h.serviceError(w, err, "Could not send email")
		return
	}
	h.writeJSON(w, http.StatusOK, messageJSONResponse{Success: true, Message: "Payment receipt sent"})
}

func (h *handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte("ok")); err != nil {
		h.zaplog.Debug("write health response", zap.Error(err))
	}
}

// decode читает и проверяет тело; при ошибке отвечает 400 сам
func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any, message string) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, messageJSONResponse{Message: message})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.zaplog.Debug("request validation", zap.Error(err))
		h.writeJSON(w, http.StatusBadRequest, messageJSONResponse{Message: message})
		return false
	}
	return true
}

func (h *handler) serviceError(w http.ResponseWriter, err error, internalMessage string) {
	switch {
	case errors.Is(err, service.ErrInsufficientData):
		h.writeJSON(w, http.StatusBadRequest, messageJSONResponse{Message: "Insufficient data"})
	case errors.Is(err, service.ErrCourseNotFound):
		h.writeJSON(w, http.StatusNotFound, messageJSONResponse{Message: "Could not find the course"})
	case errors.Is(err, service.ErrUserNotFound):
		h.writeJSON(w, http.StatusNotFound, messageJSONResponse{Message: "User not found"})
	case errors.Is(err, service.ErrAlreadyEnrolled):
		h.writeJSON(w, http.StatusBadRequest, messageJSONResponse{Message: "Student is already enrolled"})
	case errors.Is(err, service.ErrInvalidSignature):
		h.writeJSON(w, http.StatusBadRequest, messageJSONResponse{Message: "Payment verification failed"})
	case errors.Is(err, service.ErrOrderMismatch):
		h.writeJSON(w, http.StatusBadRequest, messageJSONResponse{Message: "Payment does not match the order"})
	default:
		// ErrGateway, ErrMail и прочее - детали только в лог
		h.zaplog.Error("request failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, messageJSONResponse{Message: internalMessage})
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(responseJSON); err != nil {
		h.zaplog.Debug("write response", zap.Error(err))
	}
}
