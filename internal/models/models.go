package models

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// LiveState describes the playback-visible lifecycle of a live.
type LiveState string

const (
	// LiveStateWaiting means the live exists but no ingest session is active.
	LiveStateWaiting LiveState = "waiting"
	// LiveStatePublished means an ingest session is actively receiving data.
	LiveStatePublished LiveState = "published"
	// LiveStateEnded is terminal; only one-shot lives reach it.
	LiveStateEnded LiveState = "ended"
)

// StopCause classifies why an ingest session stopped. The zero value is not
// valid; callers must choose an explicit cause.
type StopCause string

const (
	StopCauseNormal                StopCause = "normal"
	StopCausePublisherDisconnected StopCause = "publisherDisconnected"
	StopCauseDecodeError           StopCause = "decodeError"
	StopCauseTranscodingFailure    StopCause = "transcodingFailure"
)

// Valid reports whether the cause is one of the known classifications.
func (c StopCause) Valid() bool {
	switch c {
	case StopCauseNormal, StopCausePublisherDisconnected, StopCauseDecodeError, StopCauseTranscodingFailure:
		return true
	}
	return false
}

// SessionError maps the cause to the error value stored on the session. A
// normal stop stores no error.
func (c StopCause) SessionError() *string {
	if c == StopCauseNormal || c == "" {
		return nil
	}
	value := string(c)
	return &value
}

// Live is a configured broadcast channel capable of accepting repeated ingest
// sessions. Permanent lives survive publisher disconnects and return to
// waiting; one-shot lives end after their single session closes.
type Live struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Permanent          bool      `json:"permanent"`
	SaveReplay         bool      `json:"saveReplay"`
	AllowedResolutions []string  `json:"allowedResolutions,omitempty"`
	State              LiveState `json:"state"`
	CurrentSessionID   *string   `json:"currentSessionId,omitempty"`
	StreamKeyHash      string    `json:"-"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Session is one continuous ingest push against a live and the owner of one
// segment epoch. Ordinals are monotonic per live starting at zero.
type Session struct {
	ID            string     `json:"id"`
	LiveID        string     `json:"liveId"`
	Ordinal       int        `json:"ordinal"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Error         *string    `json:"error"`
	ReplayVideoID *string    `json:"replayVideoId,omitempty"`
}

// Closed reports whether the session has been ended.
func (s Session) Closed() bool {
	return s.EndedAt != nil
}

// SessionPage is the ledger listing shape: Total counts every session ever
// accepted for the live, including ones still open.
type SessionPage struct {
	Total int       `json:"total"`
	Data  []Session `json:"data"`
}

// ReplayVideo is the durable object assembled from a closed session's
// retained segments. Ownership of the object belongs to the library; sessions
// hold only the ID reference.
type ReplayVideo struct {
	ID           string    `json:"id"`
	LiveID       string    `json:"liveId"`
	SessionID    string    `json:"sessionId"`
	ObjectKey    string    `json:"objectKey"`
	SizeBytes    int64     `json:"sizeBytes"`
	SegmentCount int       `json:"segmentCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SegmentRef is one entry of an epoch manifest.
type SegmentRef struct {
	Number          int       `json:"number"`
	SizeBytes       int64     `json:"sizeBytes"`
	DurationSeconds float64   `json:"durationSeconds"`
	WrittenAt       time.Time `json:"writtenAt"`
}

// IngestMetadata carries transport details delivered on connect. The core
// stores none of it durably; it is logged and handed to the watchdog.
type IngestMetadata struct {
	RemoteAddr string
	ClientID   string
	UserAgent  string
}

// NormalizeTitle trims and NFC-normalizes an operator supplied live title.
func NormalizeTitle(title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", fmt.Errorf("title is required")
	}
	return norm.NFC.String(trimmed), nil
}
