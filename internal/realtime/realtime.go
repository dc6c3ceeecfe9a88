// Package realtime carries "something changed, re-fetch" signals to connected
// clients. Signals never contain record data; subscribers re-query through
// the scoped read path.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Signal is the only payload published on a live topic.
type Signal struct {
	Topic         string    `json:"topic"`
	Kind          string    `json:"kind"`
	PartnerID     string    `json:"partnerId"`
	DeliverableID string    `json:"deliverableId,omitempty"`
	EventID       string    `json:"eventId"`
	At            time.Time `json:"at"`
}

// Publisher sends a signal to its topic.
type Publisher interface {
	Publish(ctx context.Context, s Signal) error
	Name() string
}

// Subscriber delivers signals for one topic until the returned cancel func is
// called or ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan Signal, func(), error)
}

// Bus is a transport that both publishes and subscribes.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Topic returns the key for a partner conversation, optionally narrowed to
// one deliverable.
func Topic(partnerID, deliverableID string) string {
	if deliverableID == "" {
		return partnerID
	}
	return partnerID + ":" + deliverableID
}

// Topics lists every topic an event on (partnerID, deliverableID) touches:
// the partner-wide topic and, when set, the deliverable thread.
func Topics(partnerID, deliverableID string) []string {
	if deliverableID == "" {
		return []string{Topic(partnerID, "")}
	}
	return []string{Topic(partnerID, ""), Topic(partnerID, deliverableID)}
}

// PartnerOf returns the partner id a topic belongs to.
func PartnerOf(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i]
	}
	return topic
}

func encode(s Signal) ([]byte, error) {
	return json.Marshal(s)
}

func decode(b []byte) (Signal, bool) {
	var s Signal
	if err := json.Unmarshal(b, &s); err != nil {
		return Signal{}, false
	}
	return s, true
}
