package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"go.uber.org/zap"

	"github.com/iurnickita/coursepay/internal/model"
)

type Notify interface {
	EnrollmentConfirmation(ctx context.Context, user model.User, course model.Course) error
	PaymentReceipt(ctx context.Context, user model.User, receipt Receipt) error
}

type Receipt struct {
	OrderID   string
	PaymentID string
	Amount    model.Amount
}

var ErrMail = errors.New("mail error")

const subjectPaymentReceived = "Payment Received"

var (
	enrollmentTemplate = template.Must(template.New("enrollment").Parse(layout(`
		<p>Dear {{.Name}},</p>
		<p>You have successfully enrolled into <strong>{{.Course}}</strong>.</p>
		<p>Please log in to your dashboard to start learning.</p>`)))

	receiptTemplate = template.Must(template.New("receipt").Parse(layout(`
		<p>Dear {{.Name}},</p>
		<p>We have received your payment of <strong>&#8377;{{.Amount}}</strong>.</p>
		<div class="info-box">
			<div>Order ID: {{.OrderID}}</div>
			<div>Payment ID: {{.PaymentID}}</div>
		</div>`)))
)

func layout(content string) string {
	return `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Helvetica, Arial, sans-serif; background-color: #F6F6F6;">
	<div style="max-width: 600px; margin: 40px auto; background: #FFFFFF; padding: 30px;">` +
		content + `
	</div>
</body>
</html>`
}

type notify struct {
	sender Sender
	zaplog *zap.Logger
}

func NewNotify(sender Sender, zaplog *zap.Logger) Notify {
	return &notify{sender: sender, zaplog: zaplog}
}

func EnrollmentSubject(course model.Course) string {
	return "Successfully Enrolled into " + course.Name
}

func (n *notify) EnrollmentConfirmation(ctx context.Context, user model.User, course model.Course) error {
	body, err := render(enrollmentTemplate, struct {
		Name   string
		Course string
	}{
		Name:   user.FullName(),
		Course: course.Name,
	})
	if err != nil {
		return err
	}
	return n.send(ctx, user.Email, EnrollmentSubject(course), body)
}

func (n *notify) PaymentReceipt(ctx context.Context, user model.User, receipt Receipt) error {
	body, err := render(receiptTemplate, struct {
		Name      string
		Amount    string
		OrderID   string
		PaymentID string
	}{
		Name:      user.FullName(),
		Amount:    receipt.Amount.Major(),
		OrderID:   receipt.OrderID,
		PaymentID: receipt.PaymentID,
	})
	if err != nil {
		return err
	}
	return n.send(ctx, user.Email, subjectPaymentReceived, body)
}

func (n *notify) send(ctx context.Context, to string, subject string, body string) error {
	if to == "" {
		return fmt.Errorf("%w: empty recipient", ErrMail)
	}
	if err := n.sender.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMail, subject, err)
	}
	n.zaplog.Info("email sent",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	return nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: render %s: %v", ErrMail, tmpl.Name(), err)
	}
	return buf.String(), nil
}
