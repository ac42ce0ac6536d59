// Package events carries content lifecycle events over a Redis Stream. The
// Publisher appends events for producers; the Consumer reads them through a
// consumer group and hands them to the sync coordinator.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Aman-CERP/tutosearch/internal/content"
)

// Stream field names.
const (
	fieldID        = "id"
	fieldState     = "state"
	fieldVersion   = "version"
	fieldTimestamp = "timestamp"
	fieldRecord    = "record"
)

// Encode converts ev into stream field values.
func Encode(ev content.Event) (map[string]any, error) {
	values := map[string]any{
		fieldID:      ev.ID,
		fieldState:   string(ev.State),
		fieldVersion: strconv.FormatInt(ev.Version, 10),
	}
	if !ev.Timestamp.IsZero() {
		values[fieldTimestamp] = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if ev.Record != nil {
		b, err := json.Marshal(ev.Record)
		if err != nil {
			return nil, fmt.Errorf("encode record %s: %w", ev.ID, err)
		}
		values[fieldRecord] = string(b)
	}
	return values, nil
}

// Decode converts a stream message into an event. The portal's status names
// are accepted for the state field.
func Decode(msg redis.XMessage) (content.Event, error) {
	var ev content.Event

	ev.ID, _ = msg.Values[fieldID].(string)
	if ev.ID == "" {
		return ev, fmt.Errorf("message %s has no %s", msg.ID, fieldID)
	}

	raw, _ := msg.Values[fieldState].(string)
	state, err := content.ParseState(raw)
	if err != nil {
		return ev, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	ev.State = state

	rawVersion, _ := msg.Values[fieldVersion].(string)
	ev.Version, err = strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return ev, fmt.Errorf("message %s: invalid version %q", msg.ID, rawVersion)
	}

	if ts, ok := msg.Values[fieldTimestamp].(string); ok && ts != "" {
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return ev, fmt.Errorf("message %s: invalid timestamp %q", msg.ID, ts)
		}
	}

	if rec, ok := msg.Values[fieldRecord].(string); ok && rec != "" {
		ev.Record = &content.Record{}
		if err := json.Unmarshal([]byte(rec), ev.Record); err != nil {
			return ev, fmt.Errorf("message %s: decode record: %w", msg.ID, err)
		}
	}
	return ev, nil
}
