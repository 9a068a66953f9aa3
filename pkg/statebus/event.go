package statebus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msa-sandbox/crm/pkg/store"
)

// EventPermissionsChanged is the only event type this consumer applies.
const EventPermissionsChanged = "user.permissions.changed"

var (
	ErrMalformedEvent   = errors.New("statebus: malformed event")
	ErrUnknownEventType = errors.New("statebus: unknown event type")
)

// PermissionChangeEvent is the wire shape of a permission-change notification:
//
//	{"event":"user.permissions.changed","user_id":3,"changed_at":"2025-11-30T15:14:59+00:00"}
//
// Unknown fields are ignored. A missing event name is accepted.
type PermissionChangeEvent struct {
	Event     string  `json:"event,omitempty"`
	UserID    *int64  `json:"user_id"`
	ChangedAt *string `json:"changed_at"`
}

var changedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"20060102T150405Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// DecodeEvent validates a raw payload and returns the invalidation it describes.
// Naive timestamps are read as UTC.
func DecodeEvent(raw []byte) (store.Invalidation, error) {
	var ev PermissionChangeEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&ev); err != nil {
		return store.Invalidation{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if name := strings.TrimSpace(ev.Event); name != "" && name != EventPermissionsChanged {
		return store.Invalidation{}, fmt.Errorf("%w: %q", ErrUnknownEventType, name)
	}
	if ev.UserID == nil {
		return store.Invalidation{}, fmt.Errorf("%w: user_id is required", ErrMalformedEvent)
	}
	if *ev.UserID <= 0 {
		return store.Invalidation{}, fmt.Errorf("%w: user_id must be positive, got %d", ErrMalformedEvent, *ev.UserID)
	}
	if ev.ChangedAt == nil {
		return store.Invalidation{}, fmt.Errorf("%w: changed_at is required", ErrMalformedEvent)
	}
	at, err := parseChangedAt(*ev.ChangedAt)
	if err != nil {
		return store.Invalidation{}, err
	}
	return store.Invalidation{UserID: *ev.UserID, InvalidatedAt: at.Unix()}, nil
}

func parseChangedAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range changedAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: changed_at %q is not an ISO-8601 timestamp", ErrMalformedEvent, raw)
}

// EncodeEvent renders the wire shape for a permission change at the given moment.
func EncodeEvent(userID int64, changedAt time.Time) ([]byte, error) {
	at := changedAt.UTC().Format(time.RFC3339)
	return json.Marshal(PermissionChangeEvent{Event: EventPermissionsChanged, UserID: &userID, ChangedAt: &at})
}
