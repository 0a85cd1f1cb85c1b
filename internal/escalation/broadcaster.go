package escalation

import (
	"fmt"
	"strings"

	"github.com/staffdesk/staffdesk/internal/ticket"
)

// Notifier is the opaque delivery sink for staff alerts. The audience is a
// staff identity or channel; transport is outside the core.
type Notifier interface {
	Notify(audience, message string)
}

// Staffer is one eligible recipient of a tier broadcast.
type Staffer struct {
	ID   string
	Name string
}

// Broadcaster recomputes the unclaimed/active ticket summary for a tier and
// emits it to every eligible staff member who has not opted out.
type Broadcaster struct {
	notify   Notifier
	roster   func(tier string) []Staffer
	optedOut func(staffID string) bool
}

func NewBroadcaster(notify Notifier, roster func(tier string) []Staffer, optedOut func(string) bool) *Broadcaster {
	return &Broadcaster{notify: notify, roster: roster, optedOut: optedOut}
}

// Broadcast sends the current summary of the tier's open, active tickets.
// Nothing is sent when no ticket is unclaimed. Returns the number of
// notifications delivered.
func (b *Broadcaster) Broadcast(tier string, tickets []*ticket.Ticket) int {
	msg := Summary(tickets)
	if msg == "" {
		return 0
	}
	sent := 0
	for _, st := range b.roster(tier) {
		if b.optedOut != nil && b.optedOut(st.ID) {
			continue
		}
		b.notify.Notify(st.ID, msg)
		sent++
	}
	return sent
}

// Summary renders the unclaimed-ticket alert text, or "" when every active
// ticket is claimed.
func Summary(tickets []*ticket.Ticket) string {
	var lines []string
	unclaimed := 0
	for _, t := range tickets {
		if !t.Open() || !t.Active() {
			continue
		}
		line := fmt.Sprintf("%s (%s)", t.Record().Creator, t.Type())
		if ticket.Urgent(t.Type()) {
			line += " [urgent]"
		}
		if c := t.Claimant(); c != "" {
			line += " claimed by " + c
		} else {
			line += " unclaimed"
			unclaimed++
		}
		lines = append(lines, line)
	}
	if unclaimed == 0 {
		return ""
	}
	return fmt.Sprintf("%d unclaimed ticket(s) need staff attention:\n%s",
		unclaimed, strings.Join(lines, "\n"))
}
