// Package queue carries per-user sync requests over Kafka.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the topic sync requests are published to unless configured otherwise.
const DefaultTopic = "health_sync_requests"

// SyncRequest asks a worker to run one user's sync unit.
type SyncRequest struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Validate checks the fields a worker needs.
func (r SyncRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// Message is a decoded sync request together with its Kafka coordinates.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Request   SyncRequest
}

func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) == 0 {
		return Message{}, errors.New("empty payload")
	}
	var req SyncRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return Message{}, fmt.Errorf("decode sync request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return Message{}, err
	}
	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Request:   req,
	}, nil
}

func encodeMessage(req SyncRequest) (kafka.Message, error) {
	if err := req.Validate(); err != nil {
		return kafka.Message{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(req.UserID),
		Value: body,
		Time:  req.RequestedAt,
		Headers: []kafka.Header{
			{Key: "request_id", Value: []byte(req.RequestID)},
		},
	}, nil
}
