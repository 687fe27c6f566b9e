package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/protea-commerce/api/internal/platform/textutil"
)

const (
	mailTemplateOrderPaid    = "order_paid"
	mailTemplateBankTransfer = "bank_transfer_instructions"
)

// ErrMailInvalidInput indicates required fields were missing from the mail request.
var ErrMailInvalidInput = errors.New("mail: invalid input")

// EmailJobPublisher publishes email job messages to the background queue.
// A separate worker renders and sends the actual mail.
type EmailJobPublisher interface {
	PublishEmailJob(ctx context.Context, message EmailJobMessage) (string, error)
}

// EmailJobMessage is the payload delivered to mail workers via Pub/Sub.
type EmailJobMessage struct {
	JobID      string         `json:"jobId"`
	Template   string         `json:"template"`
	Recipient  string         `json:"recipient"`
	OrderID    string         `json:"orderId"`
	Data       map[string]any `json:"data,omitempty"`
	QueuedAt   time.Time      `json:"queuedAt"`
	Deduplicate string        `json:"deduplicate,omitempty"`
}

// QueueMailDispatcherDeps enumerates collaborators of the queue-backed dispatcher.
type QueueMailDispatcherDeps struct {
	Publisher   EmailJobPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type queueMailDispatcher struct {
	publisher EmailJobPublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewQueueMailDispatcher builds a MailDispatcher that enqueues email jobs
// rather than sending synchronously.
func NewQueueMailDispatcher(deps QueueMailDispatcherDeps) (MailDispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("mail dispatcher: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &queueMailDispatcher{
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (d *queueMailDispatcher) SendOrderPaidEmail(ctx context.Context, order Order) error {
	return d.enqueue(ctx, mailTemplateOrderPaid, order)
}

func (d *queueMailDispatcher) SendBankTransferOrderEmail(ctx context.Context, order Order) error {
	return d.enqueue(ctx, mailTemplateBankTransfer, order)
}

func (d *queueMailDispatcher) enqueue(ctx context.Context, template string, order Order) error {
	recipient := strings.TrimSpace(order.Customer.Email)
	if recipient == "" {
		return fmt.Errorf("%w: order %s has no customer email", ErrMailInvalidInput, order.ID)
	}

	now := d.clock()
	message := EmailJobMessage{
		JobID:     "mj_" + d.newID(),
		Template:  template,
		Recipient: recipient,
		OrderID:   order.ID,
		Data: map[string]any{
			"orderNumber": order.Number,
			// Rendered into HTML templates by the mail worker, so markup
			// in customer input gets stripped here.
			"customerName": textutil.SanitizeText(order.Customer.Name),
			"totalCents":   order.TotalCents,
			"currency":     order.Currency,
		},
		QueuedAt: now,
		// One mail per order and template, even if the caller retries.
		Deduplicate: template + ":" + order.ID,
	}

	msgID, err := d.publisher.PublishEmailJob(ctx, message)
	if err != nil {
		return fmt.Errorf("publish email job: %w", err)
	}

	d.logger(ctx, "mail.queued", map[string]any{
		"jobId":     message.JobID,
		"messageId": msgID,
		"template":  template,
		"orderId":   order.ID,
	})
	return nil
}
