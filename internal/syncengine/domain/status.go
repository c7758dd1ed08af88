package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Status defines the delivery lifecycle state of a message.
//
// Outbound: pending -> sending -> sent -> delivered -> read, with failed
// reachable from pending, sending, or sent.
// Inbound: received -> synced.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusReceived  Status = "received"
	StatusSynced    Status = "synced"
)

// allowedTransitions enumerates every legal edge of the state machine.
// Anything not listed raises ErrInvalidTransition.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusSending, StatusFailed},
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusFailed},
	StatusDelivered: {StatusRead},
	StatusReceived:  {StatusSynced},
}

// StatusChange is one timestamped entry of a message's transition history.
// History is audit data, never control flow.
type StatusChange struct {
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// CanTransition reports whether from -> to is a legal edge.
func (s Status) CanTransition(to Status) bool {
	for _, next := range allowedTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed || s == StatusSynced
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusDelivered,
		StatusRead, StatusFailed, StatusReceived, StatusSynced:
		return true
	}
	return false
}

// Value implements driver.Valuer for Status.
func (s Status) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner for Status.
func (s *Status) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan Status: value is not string or []byte, it is %T", value)
		}
		strVal = string(bytesVal)
	}
	*s = Status(strVal)
	if !s.Valid() {
		return fmt.Errorf("unknown Status value: %s", strVal)
	}
	return nil
}
