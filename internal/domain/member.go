package domain

import (
	"errors"
	"time"
)

var (
	ErrEmptyUserID      = errors.New("empty user id")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidRole      = errors.New("invalid role")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrInvalidActivity  = errors.New("invalid activity")
)

type Role string

const (
	RoleCaptain Role = "captain"
	RoleMember  Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleCaptain || r == RoleMember
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusInGame  Status = "in_game"
	StatusReady   Status = "ready"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusInGame, StatusReady, StatusOffline:
		return true
	}
	return false
}

type Activity string

const (
	ActivityBrowsing Activity = "browsing"
	ActivityInGame   Activity = "in_game"
	ActivityIdle     Activity = "idle"
)

func (a Activity) Valid() bool {
	return a == ActivityBrowsing || a == ActivityInGame || a == ActivityIdle
}

// DeviceInfo is best-effort client metadata. It never takes part in merging
// decisions.
type DeviceInfo struct {
	DeviceClass string `json:"device_class,omitempty"`
	Browser     string `json:"browser,omitempty"`
}

type Member struct {
	UserID          string      `json:"user_id"`
	DisplayName     string      `json:"display_name"`
	Role            Role        `json:"role"`
	Status          Status      `json:"status"`
	LastSeen        time.Time   `json:"last_seen"`
	CurrentActivity Activity    `json:"current_activity"`
	DeviceInfo      *DeviceInfo `json:"device_info,omitempty"`
}

// Clone returns a copy that shares no pointers with m.
func (m Member) Clone() Member {
	if m.DeviceInfo != nil {
		info := *m.DeviceInfo
		m.DeviceInfo = &info
	}
	return m
}

// Equal reports whether two records carry the same field values.
func (m Member) Equal(other Member) bool {
	if m.UserID != other.UserID ||
		m.DisplayName != other.DisplayName ||
		m.Role != other.Role ||
		m.Status != other.Status ||
		!m.LastSeen.Equal(other.LastSeen) ||
		m.CurrentActivity != other.CurrentActivity {
		return false
	}

	switch {
	case m.DeviceInfo == nil && other.DeviceInfo == nil:
		return true
	case m.DeviceInfo == nil || other.DeviceInfo == nil:
		return false
	}
	return *m.DeviceInfo == *other.DeviceInfo
}

// MemberUpdate is a partial member record. Nil fields keep the value already
// stored for the member.
type MemberUpdate struct {
	UserID          string      `json:"user_id" validate:"required,max=128"`
	LastSeen        time.Time   `json:"last_seen" validate:"required"`
	DisplayName     *string     `json:"display_name,omitempty" validate:"omitempty,max=64"`
	Role            *Role       `json:"role,omitempty" validate:"omitempty,oneof=captain member"`
	Status          *Status     `json:"status,omitempty" validate:"omitempty,oneof=online away in_game ready offline"`
	CurrentActivity *Activity   `json:"current_activity,omitempty" validate:"omitempty,oneof=browsing in_game idle"`
	DeviceInfo      *DeviceInfo `json:"device_info,omitempty"`
}

func (u MemberUpdate) Validate() error {
	if u.UserID == "" {
		return ErrEmptyUserID
	}
	if u.LastSeen.IsZero() {
		return ErrInvalidTimestamp
	}
	if u.Role != nil && !u.Role.Valid() {
		return ErrInvalidRole
	}
	if u.Status != nil && !u.Status.Valid() {
		return ErrInvalidStatus
	}
	if u.CurrentActivity != nil && !u.CurrentActivity.Valid() {
		return ErrInvalidActivity
	}
	return nil
}

// UpdateFromMember builds a full update carrying every field of m.
func UpdateFromMember(m Member) MemberUpdate {
	m = m.Clone()
	u := MemberUpdate{
		UserID:      m.UserID,
		LastSeen:    m.LastSeen,
		DisplayName: &m.DisplayName,
		DeviceInfo:  m.DeviceInfo,
	}
	// unset enums stay absent so the update still validates
	if m.Role != "" {
		u.Role = &m.Role
	}
	if m.Status != "" {
		u.Status = &m.Status
	}
	if m.CurrentActivity != "" {
		u.CurrentActivity = &m.CurrentActivity
	}
	return u
}

// Identity is the acting user of this process.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}
