package observability

import (
	"fmt"
	"sync/atomic"
)

var (
	TicketOpened      atomic.Int64
	TicketActivated   atomic.Int64
	TicketClaimed     atomic.Int64
	TicketUnclaimed   atomic.Int64
	TicketClosed      atomic.Int64
	TicketBanned      atomic.Int64
	TicketDeleted     atomic.Int64
	TicketRejected    atomic.Int64
	EscalationsFired  atomic.Int64
	NotificationsSent atomic.Int64
	StatsLines        atomic.Int64
)

// Snapshot returns a simple Prometheus-like exposition text for the domain
// counters.
func Snapshot() string {
	return fmt.Sprintf(`# StaffDesk metrics
staffdesk_ticket_opened_total %d
staffdesk_ticket_activated_total %d
staffdesk_ticket_claimed_total %d
staffdesk_ticket_unclaimed_total %d
staffdesk_ticket_closed_total %d
staffdesk_ticket_banned_total %d
staffdesk_ticket_deleted_total %d
staffdesk_ticket_rejected_total %d
staffdesk_escalations_fired_total %d
staffdesk_notifications_sent_total %d
staffdesk_stats_lines_total %d
`,
		TicketOpened.Load(),
		TicketActivated.Load(),
		TicketClaimed.Load(),
		TicketUnclaimed.Load(),
		TicketClosed.Load(),
		TicketBanned.Load(),
		TicketDeleted.Load(),
		TicketRejected.Load(),
		EscalationsFired.Load(),
		NotificationsSent.Load(),
		StatsLines.Load(),
	)
}
