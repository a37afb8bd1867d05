package notify

import (
	"context"
	"errors"
	"net/http"
	"net/smtp"
	"strings"
	"testing"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/coursepay/internal/model"
	"github.com/iurnickita/coursepay/internal/notify/config"
)

type sentMail struct {
	to, subject, body string
}

type fakeSender struct {
	sent []sentMail
	err  error
}

func (f *fakeSender) Send(_ context.Context, to string, subject string, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

var testUser = model.User{ID: "u1", Email: "ann@example.com", FirstName: "Ann", LastName: "Lee"}

func TestEnrollmentConfirmation(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotify(sender, zap.NewNop())

	err := n.EnrollmentConfirmation(context.Background(), testUser, model.Course{ID: "c1", Name: "Go <Basics>"})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "ann@example.com", sender.sent[0].to)
	require.Equal(t, "Successfully Enrolled into Go <Basics>", sender.sent[0].subject)
	require.Contains(t, sender.sent[0].body, "Ann Lee")
	// html/template экранирует название
	require.Contains(t, sender.sent[0].body, "Go &lt;Basics&gt;")
}

func TestPaymentReceipt(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotify(sender, zap.NewNop())

	err := n.PaymentReceipt(context.Background(), testUser, Receipt{
		OrderID:   "order_1",
		PaymentID: "pay_1",
		Amount:    50050,
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "Payment Received", sender.sent[0].subject)
	require.Contains(t, sender.sent[0].body, "500.50")
	require.Contains(t, sender.sent[0].body, "order_1")
	require.Contains(t, sender.sent[0].body, "pay_1")
}

func TestSendErrorsAreMailErrors(t *testing.T) {
	n := NewNotify(&fakeSender{err: errors.New("connection refused")}, zap.NewNop())

	err := n.PaymentReceipt(context.Background(), testUser, Receipt{OrderID: "o", PaymentID: "p", Amount: 100})
	require.ErrorIs(t, err, ErrMail)

	n = NewNotify(&fakeSender{}, zap.NewNop())
	err = n.EnrollmentConfirmation(context.Background(), model.User{ID: "u2"}, model.Course{Name: "Go"})
	require.ErrorIs(t, err, ErrMail)
}

func TestSMTPSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	s := NewSMTPSender(config.Config{
		From:     "noreply@example.com",
		FromName: "Courses",
		SMTPHost: "smtp.example.com",
		SMTPUser: "user",
	}).(*smtpSender)
	s.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	require.NoError(t, s.Send(context.Background(), "ann@example.com", "Hello", "<p>hi</p>"))
	require.Equal(t, "smtp.example.com:587", gotAddr)
	require.Equal(t, "noreply@example.com", gotFrom)
	require.Equal(t, []string{"ann@example.com"}, gotTo)
	msg := string(gotMsg)
	require.True(t, strings.HasPrefix(msg, "MIME-Version: 1.0\r\n"))
	require.Contains(t, msg, "From: Courses <noreply@example.com>\r\n")
	require.Contains(t, msg, "Subject: Hello\r\n\r\n<p>hi</p>")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Send(ctx, "ann@example.com", "Hello", "body"))
}

type fakeSendGrid struct {
	status int
	got    *mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.got = email
	return &rest.Response{StatusCode: f.status, Body: "resp"}, nil
}

func TestSendGridSender(t *testing.T) {
	client := &fakeSendGrid{status: http.StatusAccepted}
	s := NewSendGridSender(client, "noreply@example.com", "Courses")

	require.NoError(t, s.Send(context.Background(), "ann@example.com", "Hello", "<p>hi</p>"))
	require.Equal(t, "Hello", client.got.Subject)
	require.Equal(t, "noreply@example.com", client.got.From.Address)

	client.status = http.StatusUnauthorized
	require.Error(t, s.Send(context.Background(), "ann@example.com", "Hello", "<p>hi</p>"))
}

func TestNewSender(t *testing.T) {
	zaplog := zap.NewNop()

	_, ok := NewSender(config.Config{SendGridAPIKey: "key", SMTPHost: "smtp"}, zaplog).(*sendGridSender)
	require.True(t, ok)
	_, ok = NewSender(config.Config{SMTPHost: "smtp"}, zaplog).(*smtpSender)
	require.True(t, ok)
	_, ok = NewSender(config.Config{}, zaplog).(logSender)
	require.True(t, ok)
}
