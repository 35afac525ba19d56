package model

import "time"

// Message is the metadata of one mailbox message. The full body is fetched
// lazily through the MessageSource port.
type Message struct {
	ID         string
	From       string
	ReceivedAt time.Time
	Subject    string
	Preview    string
}

// BaselineMarker identifies the newest message from the OTP sender observed
// just before a login attempt submits credentials. A zero MessageID means the
// mailbox had no matching message at that point.
type BaselineMarker struct {
	MessageID  string
	CapturedAt time.Time
}
