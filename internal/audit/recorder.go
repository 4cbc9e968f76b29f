package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/util"
)

// Event types emitted by the auth flows.
const (
	EventOTPSent       = "otp.sent"
	EventOTPVerified   = "otp.verified"
	EventOTPFailed     = "otp.failed"
	EventLogin         = "auth.login"
	EventLogout        = "auth.logout"
	EventTokenRefresh  = "token.refreshed"
	EventSessionRevoke = "session.revoked"
)

// Event is a single auth audit record. Attributes carry event
// specific detail such as purpose, channel, or failure reason.
type Event struct {
	ID          uuid.UUID         `json:"id"`
	Type        string            `json:"type"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	IPAddress   string            `json:"ip_address,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Recorder fans auth events out to Kafka and ClickHouse. Both sinks
// are best effort; a sink failure is logged and never surfaces to the
// request path.
type Recorder struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
}

func NewRecorder(producer *client.KafkaProducer, clickhouse *client.ClickHouseClient) *Recorder {
	return &Recorder{
		producer:   producer,
		clickhouse: clickhouse,
	}
}

// Record publishes the event to the configured sinks.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if r.producer != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			util.Error("Failed to marshal audit event", zap.Error(err))
		} else if err := r.producer.ProduceMessage(ctx, []byte(event.Type), payload, map[string]string{
			"event_type": event.Type,
		}); err != nil {
			util.Warn("Failed to publish audit event",
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}

	if r.clickhouse != nil {
		attrs, _ := json.Marshal(event.Attributes)
		err := r.clickhouse.Exec(ctx, `
            INSERT INTO auth_events (id, event_type, phone_number, user_id, ip_address, attributes, occurred_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			event.ID.String(), event.Type, event.PhoneNumber, event.UserID,
			event.IPAddress, string(attrs), event.OccurredAt)
		if err != nil {
			util.Warn("Failed to store audit event",
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// DeliveryStats summarizes OTP traffic over a reporting window.
type DeliveryStats struct {
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Sent         int64     `json:"sent"`
	Verified     int64     `json:"verified"`
	Failed       int64     `json:"failed"`
	UniquePhones int64     `json:"unique_phones"`
}

// DeliveryReport aggregates OTP events from ClickHouse.
func (r *Recorder) DeliveryReport(ctx context.Context, from, to time.Time) (*DeliveryStats, error) {
	stats := &DeliveryStats{From: from, To: to}
	if r.clickhouse == nil {
		return stats, nil
	}

	rows, err := r.clickhouse.QueryRows(ctx, `
        SELECT
            countIf(event_type = ?) AS sent,
            countIf(event_type = ?) AS verified,
            countIf(event_type = ?) AS failed,
            uniqExact(phone_number) AS unique_phones
        FROM auth_events
        WHERE occurred_at >= ? AND occurred_at < ?`,
		EventOTPSent, EventOTPVerified, EventOTPFailed, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if rows.Next() {
		var sent, verified, failed, unique uint64
		if err := rows.Scan(&sent, &verified, &failed, &unique); err != nil {
			return nil, err
		}
		stats.Sent = int64(sent)
		stats.Verified = int64(verified)
		stats.Failed = int64(failed)
		stats.UniquePhones = int64(unique)
	}

	return stats, rows.Err()
}
