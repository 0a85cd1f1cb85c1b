// Package desk is the coordinator owning the ticket table, ban registry,
// escalation timers, broadcaster and stats recorder. Every mutation runs
// behind one mutex; the escalation timer callback takes the same mutex as
// the foreground handlers.
package desk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/staffdesk/staffdesk/internal/ban"
	"github.com/staffdesk/staffdesk/internal/common"
	"github.com/staffdesk/staffdesk/internal/escalation"
	"github.com/staffdesk/staffdesk/internal/observability"
	"github.com/staffdesk/staffdesk/internal/stats"
	"github.com/staffdesk/staffdesk/internal/ticket"
)

// BoilerplatePrompt is posted back when a still-inactive ticket receives a
// low-content greeting.
const BoilerplatePrompt = "Hi! Please describe your issue in detail so a staff member can help you."

// TicketBanDuration is how long a ticket-ban lasts by default.
const TicketBanDuration = 48 * time.Hour

// Options assemble a Desk. Policy, Directory and Notifier are required.
type Options struct {
	SnapshotPath string
	StatsDir     string
	Policy       *common.Policy
	Directory    Directory
	Notifier     escalation.Notifier
	HotReload    bool
	Now          func() time.Time
	Logger       *zap.Logger
}

type Desk struct {
	mu  sync.Mutex
	pol *common.Policy
	now func() time.Time
	log *zap.Logger

	store *ticket.Store
	live  map[string]*ticket.Ticket
	bans  *ban.Registry
	rec   *stats.Recorder
	agg   *stats.Aggregator
	sched *escalation.Scheduler
	bcast *escalation.Broadcaster

	dir    Directory
	notify escalation.Notifier

	optOut map[string]bool
	// rate holds successful creation timestamps per origin address.
	rate map[string][]int64
}

// New loads the snapshot, applies the restart sweep (finalizing stale open
// tickets into the stats log and converting banned entries into ban records)
// and arms nothing: timers arm on the first mutation.
func New(opts Options) (*Desk, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	store, loaded, err := ticket.OpenStore(opts.SnapshotPath, ticket.StoreOptions{
		Now:       opts.Now,
		Debounce:  opts.Policy.SaveDebounce.Std(),
		Retention: opts.Policy.Retention.Std(),
		HotReload: opts.HotReload,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	d := &Desk{
		pol:    opts.Policy,
		now:    opts.Now,
		log:    opts.Logger,
		store:  store,
		live:   make(map[string]*ticket.Ticket),
		bans:   ban.NewRegistry(opts.Now),
		rec:    stats.NewRecorder(opts.StatsDir),
		agg:    stats.NewAggregator(opts.StatsDir),
		dir:    opts.Directory,
		notify: opts.Notifier,
		optOut: make(map[string]bool),
		rate:   make(map[string][]int64),
	}
	d.sched = escalation.NewScheduler(
		opts.Policy.Escalation.UrgentDelay.Std(),
		opts.Policy.Escalation.DefaultDelay.Std(),
		opts.Now,
		d.escalate,
	)
	d.bcast = escalation.NewBroadcaster(opts.Notifier, d.dir.Staff, d.optedOut)

	nowMs := d.now().UnixMilli()
	for _, rec := range loaded.BanConversions {
		left := time.Duration(rec.BanExpires-nowMs) * time.Millisecond
		if left <= 0 {
			continue
		}
		var ips []string
		if rec.OriginIP != "" {
			ips = []string{rec.OriginIP}
		}
		d.bans.Ban(rec.UserID, rec.Creator, rec.Banned, ips, left)
	}
	for _, rec := range loaded.StaleOpen {
		rep := ticket.New(rec, d.pol.Greeting).Teardown(nowMs)
		if rep == nil {
			continue
		}
		if err := d.rec.Append(rep); err != nil {
			return nil, err
		}
		observability.StatsLines.Add(1)
	}
	if loaded.ForcedClosed > 0 || len(loaded.StaleOpen) > 0 {
		store.Queue()
	}
	// rebuild runtime state for surviving open records (hot reload)
	for _, rec := range store.All() {
		if rec.Open {
			d.live[rec.UserID] = ticket.New(rec, d.pol.Greeting)
		}
	}
	return d, nil
}

// Rejection is a synchronous precondition or policy rejection; no state was
// mutated.
type Rejection struct {
	Code string
	Msg  string
}

func (e *Rejection) Error() string { return e.Msg }

func reject(code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Create opens a ticket for the requester. Preconditions: known type, no
// active ban, no open ticket for the identity or its address (unless shared
// or trusted), creation rate within the per-address budget.
func (d *Desk) Create(userID, creator string, typ ticket.IssueType, ip string) (*ticket.Ticket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !ticket.KnownType(typ) {
		observability.TicketRejected.Add(1)
		return nil, reject(common.ErrCodeBadRequest, "unknown issue type %q", typ)
	}
	prof := d.dir.Resolve(userID)
	ips := append([]string{}, prof.IPs...)
	if ip != "" {
		ips = append(ips, ip)
	}
	if e := d.bans.IsBanned(userID, ips); e != nil {
		observability.TicketRejected.Add(1)
		return nil, reject(common.ErrCodeBanned, "%s", e.Message(d.now()))
	}
	if t, ok := d.live[userID]; ok && t.Open() {
		observability.TicketRejected.Add(1)
		return nil, reject(common.ErrCodeConflict, "you already have an open ticket")
	}
	if ip != "" && !d.pol.SharedIP(ip) && !prof.Trusted {
		for _, t := range d.live {
			if t.Open() && t.Record().OriginIP == ip {
				observability.TicketRejected.Add(1)
				return nil, reject(common.ErrCodeConflict, "a ticket is already open from your address")
			}
		}
	}
	if ip != "" && !d.allowCreate(ip) {
		observability.TicketRejected.Add(1)
		return nil, reject(common.ErrCodeRateLimited, "too many tickets from your address, try again later")
	}

	nowMs := d.now().UnixMilli()
	rec := &ticket.Record{
		Creator:  creator,
		UserID:   userID,
		Open:     true,
		Type:     typ,
		Created:  nowMs,
		OriginIP: ip,
	}
	t := ticket.New(rec, d.pol.Greeting)
	d.live[userID] = t
	d.store.Put(rec)
	observability.TicketOpened.Add(1)
	if t.Active() {
		observability.TicketActivated.Add(1)
	}
	d.syncLocked(ticket.Tier(typ))
	d.log.Info("ticket opened",
		zap.String("user", userID),
		zap.String("type", string(typ)),
		zap.Bool("active", t.Active()),
	)
	return t, nil
}

// Get returns the live ticket for the requester identity.
func (d *Desk) Get(userID string) (*ticket.Ticket, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.live[userID]
	return t, ok
}

// List returns open tickets ordered by creation time.
func (d *Desk) List() []*ticket.Ticket {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*ticket.Ticket
	for _, rec := range d.store.All() {
		if t, ok := d.live[rec.UserID]; ok && t.Open() {
			out = append(out, t)
		}
	}
	return out
}

// Join feeds a room-join event into the ticket.
func (d *Desk) Join(userID, who string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.openTicket(userID)
	if err != nil {
		return err
	}
	wasClaimed := t.Claimant() != ""
	changed, err := t.OnJoin(d.participant(who), d.now().UnixMilli())
	if err != nil {
		return reject(common.ErrCodeConflict, "ticket is closed")
	}
	if changed {
		if !wasClaimed && t.Claimant() != "" {
			observability.TicketClaimed.Add(1)
		}
		d.store.Queue()
		d.syncLocked(ticket.Tier(t.Type()))
	}
	return nil
}

// Leave feeds a room-leave event into the ticket.
func (d *Desk) Leave(userID, who string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.openTicket(userID)
	if err != nil {
		return err
	}
	wasClaimed := t.Claimant() != ""
	if t.OnLeave(d.participant(who), d.now().UnixMilli()) {
		if wasClaimed && t.Claimant() == "" {
			observability.TicketUnclaimed.Add(1)
		}
		d.store.Queue()
		d.syncLocked(ticket.Tier(t.Type()))
	}
	return nil
}

// Message feeds a room message into the ticket. The returned verdict tells
// the caller whether the boilerplate prompt applies.
func (d *Desk) Message(userID, who, text string) (ticket.MessageVerdict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.openTicket(userID)
	if err != nil {
		return ticket.MsgNone, err
	}
	v := t.OnMessage(d.participant(who), text, d.now().UnixMilli())
	switch v {
	case ticket.MsgActivated:
		observability.TicketActivated.Add(1)
		d.store.Queue()
		d.syncLocked(ticket.Tier(t.Type()))
	case ticket.MsgBoilerplate:
		d.notify.Notify(userID, BoilerplatePrompt)
	}
	return v, nil
}

// Close closes a ticket with a boolean outcome.
func (d *Desk) Close(userID, by string, positive bool) error {
	outcome := ticket.OutcomeNegative
	if positive {
		outcome = ticket.OutcomePositive
	}
	return d.close(userID, by, outcome)
}

func (d *Desk) close(userID, by string, o ticket.Outcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.openTicket(userID)
	if err != nil {
		return err
	}
	return d.finishLocked(t, o, d.participant(by))
}

// Forfeit lets the requester close their own ticket, once no other non-staff
// participant remains.
func (d *Desk) Forfeit(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.openTicket(userID)
	if err != nil {
		return err
	}
	p := d.participant(userID)
	if !t.CanForfeit(p) {
		return reject(common.ErrCodeConflict, "ticket cannot be forfeited while others are present")
	}
	return d.finishLocked(t, ticket.OutcomeNegative, p)
}

// Delete closes with the deleted outcome and removes the record permanently.
func (d *Desk) Delete(userID, by string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.openTicket(userID)
	if err != nil {
		return err
	}
	if err := d.finishLocked(t, ticket.OutcomeDeleted, d.participant(by)); err != nil {
		return err
	}
	delete(d.live, userID)
	d.store.Delete(userID)
	observability.TicketDeleted.Add(1)
	return nil
}

// Ban ticket-bans the identity and closes any open ticket it has. Banning an
// already-banned identity replaces the expiry.
func (d *Desk) Ban(userID, by, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	prof := d.dir.Resolve(userID)
	entry := d.bans.Ban(userID, prof.Name, reason, prof.IPs, TicketBanDuration)
	observability.TicketBanned.Add(1)
	if t, ok := d.live[userID]; ok && t.Open() {
		if err := d.finishLocked(t, ticket.OutcomeBanned, d.participant(by)); err != nil {
			return err
		}
	}
	// keep a banned marker in the snapshot so the ban survives a restart
	rec, ok := d.store.Get(userID)
	if !ok {
		rec = &ticket.Record{UserID: userID, Creator: prof.Name, Created: d.now().UnixMilli()}
	}
	rec.Banned = reason
	rec.BanExpires = entry.Expires
	d.store.Put(rec)
	d.log.Info("ticket ban", zap.String("user", userID), zap.String("by", by), zap.String("reason", reason))
	return nil
}

// Unban lifts a ticket-ban.
func (d *Desk) Unban(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	found := d.bans.Unban(userID)
	if rec, ok := d.store.Get(userID); ok && rec.Banned != "" {
		d.store.Delete(userID)
		found = true
	}
	if !found {
		return reject(common.ErrCodeNotFound, "no ticket ban for %s", userID)
	}
	return nil
}

// IsBanned consults the registry for the identity and its known addresses.
func (d *Desk) IsBanned(userID string) *ban.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bans.IsBanned(userID, d.dir.Resolve(userID).IPs)
}

// ToggleNotifications flips the staff member's opt-out and returns true when
// notifications are now disabled.
func (d *Desk) ToggleNotifications(staffID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.optOut[staffID] = !d.optOut[staffID]
	return d.optOut[staffID]
}

// StatsMonth returns the aggregated tables for a "2006-01" bucket.
func (d *Desk) StatsMonth(month, table, sortCol string) (any, error) {
	lines, err := d.agg.Month(month)
	if err != nil {
		return nil, err
	}
	if table == "staff" {
		return stats.StaffTable(lines, sortCol), nil
	}
	return stats.TypeTable(lines, sortCol), nil
}

// Shutdown finalizes every still-open ticket as an implicit unresolved close,
// stops the timers and flushes the snapshot.
func (d *Desk) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sched.Stop()
	nowMs := d.now().UnixMilli()
	for _, t := range d.live {
		rep := t.Teardown(nowMs)
		if rep == nil {
			continue
		}
		if err := d.rec.Append(rep); err != nil {
			return err
		}
		observability.StatsLines.Add(1)
	}
	return d.store.SaveNow()
}

// escalate is the timer-fire callback; it runs under the desk mutex like any
// foreground handler.
func (d *Desk) escalate(tier string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	observability.EscalationsFired.Add(1)
	changed := false
	for _, t := range d.tierTickets(tier) {
		rec := t.Record()
		if !t.Unclaimed() || !rec.NeedsDelayWarning {
			continue
		}
		msg, ok := d.pol.DelayMessages[string(t.Type())]
		if !ok || msg == "" {
			continue
		}
		d.notify.Notify(t.UserID(), msg)
		t.ClearDelayWarning()
		changed = true
	}
	if changed {
		d.store.Queue()
	}
	sent := d.bcast.Broadcast(tier, d.tierTickets(tier))
	observability.NotificationsSent.Add(int64(sent))
	d.log.Info("escalation fired", zap.String("tier", tier), zap.Int("notified", sent))
}

func (d *Desk) finishLocked(t *ticket.Ticket, o ticket.Outcome, closer ticket.Participant) error {
	rep, err := t.Close(o, closer, d.now().UnixMilli())
	if err != nil {
		return reject(common.ErrCodeConflict, "ticket already closed")
	}
	if err := d.rec.Append(rep); err != nil {
		return err
	}
	observability.StatsLines.Add(1)
	observability.TicketClosed.Add(1)
	d.store.Queue()
	d.syncLocked(ticket.Tier(t.Type()))
	d.log.Info("ticket closed",
		zap.String("user", t.UserID()),
		zap.String("resolution", string(rep.Resolution)),
		zap.String("result", string(rep.Result)),
	)
	return nil
}

func (d *Desk) openTicket(userID string) (*ticket.Ticket, error) {
	t, ok := d.live[userID]
	if !ok || !t.Open() {
		return nil, reject(common.ErrCodeNotFound, "no open ticket for %s", userID)
	}
	return t, nil
}

func (d *Desk) participant(id string) ticket.Participant {
	prof := d.dir.Resolve(id)
	return ticket.Participant{ID: prof.ID, Name: prof.Name, Staff: prof.Staff}
}

func (d *Desk) optedOut(staffID string) bool { return d.optOut[staffID] }

func (d *Desk) tierTickets(tier string) []*ticket.Ticket {
	var out []*ticket.Ticket
	for _, rec := range d.store.All() {
		t, ok := d.live[rec.UserID]
		if !ok || !t.Open() || ticket.Tier(t.Type()) != tier {
			continue
		}
		out = append(out, t)
	}
	return out
}

// syncLocked reconciles the tier's escalation timer and rebroadcasts the
// unclaimed summary after a mutation.
func (d *Desk) syncLocked(tier string) {
	tickets := d.tierTickets(tier)
	unclaimed, urgent := false, false
	for _, t := range tickets {
		if t.Unclaimed() {
			unclaimed = true
			if ticket.Urgent(t.Type()) {
				urgent = true
			}
		}
	}
	d.sched.Observe(tier, unclaimed, urgent)
	sent := d.bcast.Broadcast(tier, tickets)
	observability.NotificationsSent.Add(int64(sent))
}

func (d *Desk) allowCreate(ip string) bool {
	nowMs := d.now().UnixMilli()
	window := d.pol.RateLimit.Window.Std().Milliseconds()
	kept := d.rate[ip][:0]
	for _, ts := range d.rate[ip] {
		if nowMs-ts < window {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= d.pol.RateLimit.PerIP {
		d.rate[ip] = kept
		return false
	}
	d.rate[ip] = append(kept, nowMs)
	return true
}
