package protocol

import (
	"fmt"
	"time"
)

// Version is the only envelope version this build speaks.
const Version = 1

// Tag discriminates messages so each lands in the matching standing receive.
type Tag int

const (
	// TagWork is sent master -> worker; the body carries the JobID.
	TagWork Tag = 1
	// TagPending is sent worker -> master when the worker is idle again. No body.
	TagPending Tag = 2
	// TagFinish is sent master -> worker once no more work will come. No body.
	TagFinish Tag = 3
)

func (t Tag) String() string {
	switch t {
	case TagWork:
		return "work"
	case TagPending:
		return "pending"
	case TagFinish:
		return "finish"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Valid reports whether t is one of the dispatcher tags.
func (t Tag) Valid() bool {
	return t == TagWork || t == TagPending || t == TagFinish
}

// Envelope is one point-to-point message as carried by networked transports.
type Envelope struct {
	Protocol int       `json:"protocol"`
	Source   int       `json:"source"`
	Dest     int       `json:"dest"`
	Tag      Tag       `json:"tag"`
	Body     []byte    `json:"body,omitempty"` // base64 on the wire
	SentAt   time.Time `json:"sent_at"`
}

// JobRequest is written to a job process's stdin.
type JobRequest struct {
	Protocol   int       `json:"protocol"`
	JobID      int       `json:"job_id"`
	Rank       int       `json:"rank"`
	DeadlineAt time.Time `json:"deadline_at"`
}

// JobResponse is read from a job process's stdout.
type JobResponse struct {
	Status string     `json:"status"` // ok | error
	Error  string     `json:"error,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message emitted by a job process.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
