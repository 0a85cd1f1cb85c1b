// Package ban holds ticket-ban records consulted before ticket creation.
package ban

import (
	"fmt"
	"sync"
	"time"
)

// Entry is one active ticket ban. A ban covers the banned identity plus any
// aliases observed on the same addresses.
type Entry struct {
	UserID  string   `json:"userId"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	IPs     []string `json:"ips,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
	// Expires is unix milliseconds.
	Expires int64 `json:"expires"`
}

// Message is the expiry-aware rejection text shown to the banned requester.
func (e *Entry) Message(now time.Time) string {
	left := time.Duration(e.Expires-now.UnixMilli()) * time.Millisecond
	days := int(left.Hours()/24) + 1
	if e.Reason != "" {
		return fmt.Sprintf("you are banned from creating tickets for %d more day(s): %s", days, e.Reason)
	}
	return fmt.Sprintf("you are banned from creating tickets for %d more day(s)", days)
}

// Registry is the in-memory ban table. Expired entries are pruned lazily on
// lookup. Banning an already-banned identity replaces the expiry.
type Registry struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*Entry
	byIP    map[string]string // ip → banned userID
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:     now,
		entries: make(map[string]*Entry),
		byIP:    make(map[string]string),
	}
}

// IsBanned returns the active ban covering the identity or any of its
// addresses, or nil.
func (r *Registry) IsBanned(userID string, ips []string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.lookup(userID); e != nil {
		return e
	}
	for _, ip := range ips {
		if owner, ok := r.byIP[ip]; ok {
			if e := r.lookup(owner); e != nil {
				if owner != userID && !contains(e.Aliases, userID) {
					e.Aliases = append(e.Aliases, userID)
				}
				return e
			}
		}
	}
	return nil
}

// Ban registers or replaces a ban.
func (r *Registry) Ban(userID, name, reason string, ips []string, d time.Duration) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Entry{
		UserID:  userID,
		Name:    name,
		Reason:  reason,
		IPs:     append([]string(nil), ips...),
		Expires: r.now().Add(d).UnixMilli(),
	}
	r.entries[userID] = e
	for _, ip := range ips {
		r.byIP[ip] = userID
	}
	return e
}

// Unban removes the ban on the identity, if any, and reports whether one
// existed.
func (r *Registry) Unban(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return false
	}
	r.drop(e)
	return true
}

func (r *Registry) lookup(userID string) *Entry {
	e, ok := r.entries[userID]
	if !ok {
		return nil
	}
	if e.Expires <= r.now().UnixMilli() {
		r.drop(e)
		return nil
	}
	return e
}

func (r *Registry) drop(e *Entry) {
	delete(r.entries, e.UserID)
	for _, ip := range e.IPs {
		if r.byIP[ip] == e.UserID {
			delete(r.byIP, ip)
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
