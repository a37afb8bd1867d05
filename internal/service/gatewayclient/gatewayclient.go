package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/iurnickita/coursepay/internal/model"
)

var ErrGateway = errors.New("payment gateway error")

// JSON заказа шлюза
type orderJSON struct {
	ID         string          `json:"id"`
	Entity     string          `json:"entity"`
	Amount     int64           `json:"amount"`
	AmountPaid int64           `json:"amount_paid"`
	AmountDue  int64           `json:"amount_due"`
	Currency   string          `json:"currency"`
	Receipt    string          `json:"receipt"`
	Status     string          `json:"status"`
	Notes      json.RawMessage `json:"notes"`
	CreatedAt  int64           `json:"created_at"`
}

type createOrderJSON struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes"`
}

type collectionJSON struct {
	Entity string      `json:"entity"`
	Count  int         `json:"count"`
	Items  []orderJSON `json:"items"`
}

type errorJSON struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

const (
	noteCourseIDs = "courseIds"
	noteUserID    = "userId"
)

type OrderRequest struct {
	Amount   model.Amount
	Currency string
	Receipt  string
	Notes    model.OrderNotes
}

type GatewayClient interface {
	CreateOrder(ctx context.Context, req OrderRequest) (model.Order, error)
	// FindOrderByReceipt returns nil when the gateway has no order for the receipt.
	FindOrderByReceipt(ctx context.Context, receipt string) (*model.Order, error)
	FetchOrder(ctx context.Context, orderID string) (model.Order, error)
}

type gatewayClient struct {
	client  *resty.Client
	timeout time.Duration
}

func NewGatewayClient(serviceAddr string, keyID string, keySecret string, timeout time.Duration) GatewayClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(serviceAddr, "/")).
		SetBasicAuth(keyID, keySecret).
		SetHeader("Content-Type", "application/json")
	return gatewayClient{client: client, timeout: timeout}
}

func (client gatewayClient) CreateOrder(ctx context.Context, req OrderRequest) (model.Order, error) {
	path := "/v1/orders"

	ctx, cancel := client.withTimeout(ctx)
	defer cancel()

	var answer orderJSON
	var answerErr errorJSON
	setresp, err := client.client.R().
		SetContext(ctx).
		SetBody(createOrderJSON{
			Amount:   int64(req.Amount),
			Currency: req.Currency,
			Receipt:  req.Receipt,
			Notes: map[string]string{
				noteCourseIDs: strings.Join(req.Notes.CourseIDs, ","),
				noteUserID:    req.Notes.UserID,
			},
		}).
		SetResult(&answer).
		SetError(&answerErr).
		Post(path)
	if err != nil {
		return model.Order{}, fmt.Errorf("%w: create order: %v", ErrGateway, err)
	}
	if setresp.IsError() {
		return model.Order{}, statusError("create order", setresp.StatusCode(), answerErr)
	}
	return answer.toModel()
}

func (client gatewayClient) FindOrderByReceipt(ctx context.Context, receipt string) (*model.Order, error) {
	path := "/v1/orders"

	ctx, cancel := client.withTimeout(ctx)
	defer cancel()

	var answer collectionJSON
	var answerErr errorJSON
	setresp, err := client.client.R().
		SetContext(ctx).
		SetQueryParam("receipt", receipt).
		SetResult(&answer).
		SetError(&answerErr).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: find order: %v", ErrGateway, err)
	}
	if setresp.IsError() {
		return nil, statusError("find order", setresp.StatusCode(), answerErr)
	}

	for _, item := range answer.Items {
		if item.Receipt != receipt {
			continue
		}
		order, err := item.toModel()
		if err != nil {
			return nil, err
		}
		return &order, nil
	}
	return nil, nil
}

func (client gatewayClient) FetchOrder(ctx context.Context, orderID string) (model.Order, error) {
	path := "/v1/orders/{orderId}"

	ctx, cancel := client.withTimeout(ctx)
	defer cancel()

	var answer orderJSON
	var answerErr errorJSON
	setresp, err := client.client.R().
		SetContext(ctx).
		SetPathParam("orderId", orderID).
		SetResult(&answer).
		SetError(&answerErr).
		Get(path)
	if err != nil {
		return model.Order{}, fmt.Errorf("%w: fetch order: %v", ErrGateway, err)
	}
	if setresp.IsError() {
		return model.Order{}, statusError("fetch order", setresp.StatusCode(), answerErr)
	}
	return answer.toModel()
}

func (client gatewayClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if client.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, client.timeout)
}

func statusError(op string, status int, answerErr errorJSON) error {
	if answerErr.Error.Description != "" {
		return fmt.Errorf("%w: %s: status %d: %s: %s", ErrGateway, op, status,
			answerErr.Error.Code, answerErr.Error.Description)
	}
	return fmt.Errorf("%w: %s: status %d", ErrGateway, op, status)
}

func (answer orderJSON) toModel() (model.Order, error) {
	if answer.ID == "" {
		return model.Order{}, fmt.Errorf("%w: order without id", ErrGateway)
	}
	order := model.Order{
		ID:       answer.ID,
		Currency: answer.Currency,
		Amount:   model.Amount(answer.Amount),
		Receipt:  answer.Receipt,
		Status:   answer.Status,
	}

	// пустые notes шлюз отдает как []
	raw := bytes.TrimSpace(answer.Notes)
	if len(raw) == 0 || raw[0] != '{' {
		return order, nil
	}
	var notes map[string]string
	if err := json.Unmarshal(raw, &notes); err != nil {
		return model.Order{}, fmt.Errorf("%w: decode notes: %v", ErrGateway, err)
	}
	if ids := notes[noteCourseIDs]; ids != "" {
		order.Notes.CourseIDs = strings.Split(ids, ",")
	}
	order.Notes.UserID = notes[noteUserID]
	return order, nil
}
