// Package streaming fans out live run progress to in-process subscribers,
// such as a terminal following a build.
package streaming

import (
	"context"
	"time"
)

// TypeLog is the event type of a run log line.
const TypeLog = "run_log"

// Event is a live notification about a run. Step events carry the schema
// event type; log lines use TypeLog with the line in Message.
type Event struct {
	RunID   string         `json:"run_id"`
	Step    string         `json:"step,omitempty"`
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// Hub provides pub/sub for run events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
