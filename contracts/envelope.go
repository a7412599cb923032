package contracts

import (
	"encoding/json"
	"time"
)

// Envelope is the wire shape of every application message. Exactly one of
// Message or Data is populated depending on the message class; the optional
// routing fields (To, Room) depend on it as well. Field names are part of
// the interop contract and must not change.
type Envelope struct {
	From          string          `json:"from"`
	To            string          `json:"to,omitempty"`
	Room          string          `json:"room,omitempty"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	MessageID     string          `json:"messageId,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Known presence states published on status topics.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
)

// StatusUpdate is the payload published (retained) on users/{username}/status.
// The transport delivers it as a last will with Reason set when a session
// terminates abnormally.
type StatusUpdate struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Username  string `json:"username"`
	Reason    string `json:"reason,omitempty"`
}

// NewStatusUpdate builds a status payload stamped with the current time.
func NewStatusUpdate(username, status string) *StatusUpdate {
	return &StatusUpdate{
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
		Username:  username,
	}
}
