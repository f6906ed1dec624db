package journal

import (
	"time"

	"github.com/oklog/ulid/v2"

	"collabSync/backend/internal/protocol"
)

const EventUpdateApplied = "UPDATE_APPLIED"

// UpdateEvent 中继应用了一条更新之后写入 Kafka 的事件
type UpdateEvent struct {
	EventType  string        `json:"eventType"` // 固定 "UPDATE_APPLIED"
	EventID    string        `json:"eventId"`
	DocID      string        `json:"docId"`
	Kind       protocol.Kind `json:"kind"`
	Type       protocol.Type `json:"type"`
	ConnID     string        `json:"connId"`
	Payload    []byte        `json:"payload"`
	AppliedAt  time.Time     `json:"appliedAt"`
	ClientTime *time.Time    `json:"clientTime,omitempty"`
}

func NewUpdateEvent(msg protocol.Message, connID string, now time.Time) UpdateEvent {
	return UpdateEvent{
		EventType:  EventUpdateApplied,
		EventID:    ulid.Make().String(),
		DocID:      msg.DocumentID,
		Kind:       msg.DocumentKind,
		Type:       msg.Type,
		ConnID:     connID,
		Payload:    msg.Payload,
		AppliedAt:  now,
		ClientTime: msg.Timestamp,
	}
}
