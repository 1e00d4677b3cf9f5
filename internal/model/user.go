package model

import (
	"sort"
	"time"
)

// User is a chat participant. Users are created on first interaction and are
// deactivated rather than deleted.
type User struct {
	ID          int64  `json:"id"` // telegram id
	SeqID       int64  `json:"seq_id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Description string `json:"description"`

	IsMaster bool `json:"is_master"`
	IsAdmin  bool `json:"is_admin"`
	IsActive bool `json:"is_active"`

	LastActivityAt     time.Time `json:"last_activity_at"`
	FloodCount         int       `json:"flood_count"`
	FloodAt            time.Time `json:"flood_at"`
	NonRecognizedCount int       `json:"non_recognized_count"`
	NonRecognizedAt    time.Time `json:"non_recognized_at"`
	BanCount           int       `json:"ban_count"`
	BannedAt           time.Time `json:"banned_at"`

	State   string              `json:"state"`
	Context ConversationContext `json:"context"`

	// Services offered by a master: service name -> sub-services.
	Services map[string][]string `json:"services,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasContact reports whether a master can reach the user.
func (u *User) HasContact() bool {
	return u.Phone != "" || u.Username != ""
}

// DisplayName returns the best available human readable name.
func (u *User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Username != "":
		return "@" + u.Username
	default:
		return "—"
	}
}

// Offers reports whether the master offers service and every sub-service in subs.
func (u *User) Offers(service string, subs []string) bool {
	offered, ok := u.Services[service]
	if !ok {
		return false
	}
	for _, sub := range subs {
		found := false
		for _, o := range offered {
			if o == sub {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ServiceNames returns offered service names in a stable order.
func (u *User) ServiceNames() []string {
	names := make([]string, 0, len(u.Services))
	for name := range u.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MasterFilter selects masters for the client master list.
type MasterFilter struct {
	Service     string
	SubServices []string
	Offset      int
	Limit       int
}
