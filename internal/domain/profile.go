package domain

import (
	"strings"
	"time"
)

// User is the local account that owns synced health data.
type User struct {
	ID        string
	Username  string
	Email     string
	CreatedAt time.Time
}

// SyncProfile maps a local user to the gateway subject identifier and tracks sync state.
type SyncProfile struct {
	UserID      string
	Username    string
	SubjectID   string
	SyncEnabled bool
	LastSync    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ready reports whether a sync may run for the profile.
func (p SyncProfile) Ready() bool {
	return p.SyncEnabled && strings.TrimSpace(p.SubjectID) != ""
}
