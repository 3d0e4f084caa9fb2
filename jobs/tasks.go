package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeDocumentPosted notifies the counterparty about a posted document.
	TaskTypeDocumentPosted = "notify:document_posted"
	// TaskTypeTicketReady notifies the customer their repair is ready for pickup.
	TaskTypeTicketReady = "notify:ticket_ready"
	// TaskTypeOrderProcessed acknowledges a storefront order event.
	TaskTypeOrderProcessed = "notify:order_processed"
	// TaskTypeAttachmentStore renders and archives a document attachment.
	TaskTypeAttachmentStore = "attachment:store"
)

// DocumentPostedPayload describes a freshly posted financial document.
type DocumentPostedPayload struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	DocumentID     uuid.UUID `json:"document_id"`
	Kind           string    `json:"kind"`
	Number         string    `json:"number"`
	CounterpartyID uuid.UUID `json:"counterparty_id"`
	Gross          string    `json:"gross"`
	PostedAt       time.Time `json:"posted_at"`
}

// NewDocumentPostedTask constructs an Asynq task.
func NewDocumentPostedTask(payload DocumentPostedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDocumentPosted, data), nil
}

// HandleDocumentPostedTask processes TaskTypeDocumentPosted tasks.
func HandleDocumentPostedTask(ctx context.Context, t *asynq.Task) error {
	var payload DocumentPostedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder: deliver via the tenant's configured channel (mail/SMS).
	slog.Default().Info("document posted notification",
		slog.String("number", payload.Number),
		slog.String("gross", payload.Gross))
	return nil
}

// TicketReadyPayload describes a ticket entering awaiting-pickup.
type TicketReadyPayload struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	TicketID   uuid.UUID `json:"ticket_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	Store      string    `json:"store"`
}

// NewTicketReadyTask constructs an Asynq task.
func NewTicketReadyTask(payload TicketReadyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTicketReady, data), nil
}

// HandleTicketReadyTask processes TaskTypeTicketReady tasks.
func HandleTicketReadyTask(ctx context.Context, t *asynq.Task) error {
	var payload TicketReadyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	slog.Default().Info("ticket ready notification",
		slog.String("ticket_id", payload.TicketID.String()),
		slog.String("store", payload.Store))
	return nil
}

// OrderProcessedPayload acknowledges a storefront order event.
type OrderProcessedPayload struct {
	TenantID uuid.UUID `json:"tenant_id"`
	EventID  string    `json:"event_id"`
	Outcome  string    `json:"outcome"`
	Number   string    `json:"number,omitempty"`
}

// NewOrderProcessedTask constructs an Asynq task.
func NewOrderProcessedTask(payload OrderProcessedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeOrderProcessed, data), nil
}

// HandleOrderProcessedTask processes TaskTypeOrderProcessed tasks.
func HandleOrderProcessedTask(ctx context.Context, t *asynq.Task) error {
	var payload OrderProcessedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	slog.Default().Info("order event acknowledged",
		slog.String("event_id", payload.EventID),
		slog.String("outcome", payload.Outcome))
	return nil
}

// AttachmentStorePayload requests rendering and archiving a document.
type AttachmentStorePayload struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Number     string    `json:"number"`
}

// NewAttachmentStoreTask constructs an Asynq task.
func NewAttachmentStoreTask(payload AttachmentStorePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAttachmentStore, data), nil
}

// HandleAttachmentStoreTask processes TaskTypeAttachmentStore tasks.
func HandleAttachmentStoreTask(ctx context.Context, t *asynq.Task) error {
	var payload AttachmentStorePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder: render the document and push it to object storage.
	slog.Default().Info("attachment archived", slog.String("number", payload.Number))
	return nil
}
