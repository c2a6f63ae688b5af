package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/orchard-market/api/internal/domain"
	pfirestore "github.com/orchard-market/api/internal/platform/firestore"
)

const processedNotificationsCollection = "processedNotifications"

// NotificationRepository is the append-only processed-notification store.
// The processor's event ID is the document ID, so the insert-if-absent
// contract falls out of Firestore's Create semantics: a second insert for
// the same event fails with AlreadyExists.
type NotificationRepository struct {
	provider      *pfirestore.Provider
	notifications *pfirestore.BaseRepository[notificationDocument]
}

// NewNotificationRepository constructs a NotificationRepository.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	notifications := pfirestore.NewBaseRepository[notificationDocument](provider, processedNotificationsCollection, nil, nil)
	return &NotificationRepository{provider: provider, notifications: notifications}, nil
}

// CreateIfAbsent inserts the record, reporting false without error when the
// event ID was already recorded.
func (r *NotificationRepository) CreateIfAbsent(ctx context.Context, notification domain.ProcessedNotification) (bool, error) {
	if r == nil || r.provider == nil {
		return false, errors.New("notification repository not initialised")
	}
	eventID := strings.TrimSpace(notification.EventID)
	if eventID == "" {
		return false, errors.New("notification create: event id is required")
	}

	doc := notificationDocument{
		EventType:  notification.EventType,
		PaymentRef: strings.TrimSpace(notification.PaymentRef),
		OrderID:    strings.TrimSpace(notification.OrderID),
		Amount:     notification.Amount,
		Currency:   strings.ToUpper(strings.TrimSpace(notification.Currency)),
		Status:     notification.Status,
		ReceivedAt: notification.ReceivedAt.UTC(),
	}
	if doc.ReceivedAt.IsZero() {
		doc.ReceivedAt = time.Now().UTC()
	}

	inserted := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.notifications.DocumentRef(ctx, eventID)
		if err != nil {
			return err
		}
		if err := tx.Create(ref, doc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				inserted = false
				return nil
			}
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, pfirestore.WrapError("notifications.create", err)
	}
	return inserted, nil
}

type notificationDocument struct {
	EventType  string    `firestore:"eventType"`
	PaymentRef string    `firestore:"paymentRef,omitempty"`
	OrderID    string    `firestore:"orderId,omitempty"`
	Amount     int64     `firestore:"amount"`
	Currency   string    `firestore:"currency,omitempty"`
	Status     string    `firestore:"status,omitempty"`
	ReceivedAt time.Time `firestore:"receivedAt"`
}
