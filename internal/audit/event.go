// Package audit records every served prediction and fans it out to
// persistent sinks. Sink failures are logged and counted but never reach the
// caller that produced the prediction.
package audit

import (
	"time"

	"setup-scorer/internal/features"
	"setup-scorer/internal/ml"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one served prediction.
type Event struct {
	RequestID   string          `json:"request_id"`
	Strategy    string          `json:"strategy"`
	Features    features.Record `json:"features"`
	Probability float64         `json:"probability"`
	Fallback    bool            `json:"fallback"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEvent builds an event for a prediction served now. An empty requestID
// is replaced by a fresh UUID.
func NewEvent(requestID, strategy string, rec features.Record, res ml.Result) Event {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return Event{
		RequestID:   requestID,
		Strategy:    strategy,
		Features:    rec,
		Probability: res.Probability,
		Fallback:    res.Fallback,
		Timestamp:   time.Now().UTC(),
	}
}

func (e Event) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("request_id", e.RequestID).
		Str("strategy", e.Strategy).
		Float64("probability", e.Probability).
		Bool("fallback", e.Fallback).
		Time("timestamp", e.Timestamp)
}
