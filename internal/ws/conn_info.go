package ws

import "time"

// ConnInfo identifies one websocket connection for metrics and audit events.
type ConnInfo struct {
	ConnID      string
	UserID      int64
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
