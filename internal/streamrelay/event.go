package streamrelay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrLedgerLocked = errors.New("ledger locked by another process")
)

// MaxPayloadFieldRunes bounds free-text payload fields so the event log
// cannot grow unbounded from a single oversized message.
const MaxPayloadFieldRunes = 500

type Actor struct {
	Login       string `json:"login"`
	DisplayName string `json:"displayName,omitempty"`
}

type CanonicalEvent struct {
	TraceID   string            `json:"traceId"`
	EventID   string            `json:"eventId"`
	Source    string            `json:"source"`
	Kind      string            `json:"kind"`
	Timestamp string            `json:"timestamp"`
	Actor     Actor             `json:"actor"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// NewCanonicalEvent normalizes the shared fields: assigns a fresh trace id,
// caps payload values, and falls back to ingestion time when the origin
// reported none.
func NewCanonicalEvent(source, eventID, kind string, actor Actor, timestamp string, payload map[string]string) (CanonicalEvent, error) {
	source = strings.TrimSpace(source)
	eventID = strings.TrimSpace(eventID)
	kind = strings.TrimSpace(kind)
	if source == "" || eventID == "" || kind == "" {
		return CanonicalEvent{}, ErrInvalidInput
	}
	if strings.TrimSpace(timestamp) == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	capped := make(map[string]string, len(payload))
	for k, v := range payload {
		capped[k] = CapText(v)
	}
	return CanonicalEvent{
		TraceID:   "trc_" + uuid.NewString(),
		EventID:   eventID,
		Source:    source,
		Kind:      kind,
		Timestamp: timestamp,
		Actor:     actor,
		Payload:   capped,
	}, nil
}

// DedupKey is the default per-source key: "{source}:{event_id}".
func (e CanonicalEvent) DedupKey() string {
	return e.Source + ":" + e.EventID
}

func CapText(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxPayloadFieldRunes {
		return s
	}
	return string(runes[:MaxPayloadFieldRunes])
}

// Kind strings follow the "<source>.<entity>.<verb>" taxonomy used for
// routing and allow-listing.
func ValidKind(kind string) bool {
	parts := strings.Split(kind, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return false
		}
	}
	return true
}

func ParseEventTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}

func KindFor(source, entity, verb string) string {
	return fmt.Sprintf("%s.%s.%s", source, entity, verb)
}
