package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// RoomKind distinguishes durable rooms from well-known named rooms.
type RoomKind int

const (
	RoomKindNone RoomKind = iota
	RoomKindDurable
	RoomKindNamed
)

func (k RoomKind) String() string {
	switch k {
	case RoomKindDurable:
		return "durable"
	case RoomKindNamed:
		return "named"
	default:
		return "none"
	}
}

// ErrInvalidRoom is returned when a room identifier is neither a UUID nor a valid name.
var ErrInvalidRoom = errors.New("invalid room identifier")

// Room names: alphanumeric, hyphens, underscores, 1-64 chars
var roomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// RoomRef identifies a room either by durable id or by well-known name.
// It is resolved once at the boundary and passed around typed.
type RoomRef struct {
	kind RoomKind
	id   uuid.UUID
	name string
}

// DurableRoom returns a reference to a room stored with a durable id.
func DurableRoom(id uuid.UUID) RoomRef {
	return RoomRef{kind: RoomKindDurable, id: id}
}

// NamedRoom returns a reference to a well-known named room such as "global".
func NamedRoom(name string) RoomRef {
	return RoomRef{kind: RoomKindNamed, name: name}
}

// ParseRoomRef resolves a raw identifier. UUID-shaped strings are durable ids,
// everything else must be a valid room name.
func ParseRoomRef(raw string) (RoomRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RoomRef{}, fmt.Errorf("%w: empty", ErrInvalidRoom)
	}
	if id, err := uuid.Parse(raw); err == nil {
		return DurableRoom(id), nil
	}
	if !roomNameRegex.MatchString(raw) {
		return RoomRef{}, fmt.Errorf("%w: %q", ErrInvalidRoom, raw)
	}
	return NamedRoom(raw), nil
}

// Kind reports which variant the reference holds.
func (r RoomRef) Kind() RoomKind { return r.kind }

// IsZero reports whether the reference is unset.
func (r RoomRef) IsZero() bool { return r.kind == RoomKindNone }

// DurableID returns the durable id and whether the reference is durable.
func (r RoomRef) DurableID() (uuid.UUID, bool) {
	return r.id, r.kind == RoomKindDurable
}

// Name returns the room name and whether the reference is named.
func (r RoomRef) Name() (string, bool) {
	return r.name, r.kind == RoomKindNamed
}

// Key returns the canonical string form used for storage, routing and channels.
// UUID-shaped names cannot exist, so keys of the two variants never collide.
func (r RoomRef) Key() string {
	switch r.kind {
	case RoomKindDurable:
		return r.id.String()
	case RoomKindNamed:
		return r.name
	default:
		return ""
	}
}

func (r RoomRef) String() string { return r.Key() }

// MarshalJSON encodes the reference as its canonical key.
func (r RoomRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Key())
}

// UnmarshalJSON accepts a durable id or a room name.
func (r *RoomRef) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: must be a string", ErrInvalidRoom)
	}
	if raw == "" {
		*r = RoomRef{}
		return nil
	}
	ref, err := ParseRoomRef(raw)
	if err != nil {
		return err
	}
	*r = ref
	return nil
}
