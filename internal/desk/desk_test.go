package desk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/staffdesk/staffdesk/internal/common"
	"github.com/staffdesk/staffdesk/internal/stats"
	"github.com/staffdesk/staffdesk/internal/ticket"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (n *fakeNotifier) Notify(audience, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[audience] = append(n.sent[audience], message)
}

func (n *fakeNotifier) count(audience string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent[audience])
}

func (n *fakeNotifier) last(audience string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.sent[audience]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func testPolicy() *common.Policy {
	p := &common.Policy{}
	p.Escalation.UrgentDelay = common.Duration(20 * time.Millisecond)
	p.Escalation.DefaultDelay = common.Duration(150 * time.Millisecond)
	p.SaveDebounce = common.Duration(10 * time.Millisecond)
	p.SharedIPs = []string{"77."}
	p.DelayMessages = map[string]string{
		string(ticket.TypeRoomAssistance): "Staff have been alerted and will join you shortly.",
	}
	p.Staff = []common.StaffEntry{
		{ID: "xan", Name: "xan", Tier: ticket.TierStaff},
		{ID: "yuri", Name: "yuri", Tier: ticket.TierStaff},
		{ID: "zoe", Name: "zoe", Tier: ticket.TierUpperStaff},
	}
	p.Normalize()
	return p
}

func newTestDesk(t *testing.T) (*Desk, *fakeNotifier, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)}
	notifier := &fakeNotifier{sent: make(map[string][]string)}
	pol := testPolicy()
	d, err := New(Options{
		SnapshotPath: filepath.Join(dir, "tickets.json"),
		StatsDir:     filepath.Join(dir, "stats"),
		Policy:       pol,
		Directory:    NewStaticDirectory(pol.Staff),
		Notifier:     notifier,
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	t.Cleanup(func() { _ = d.Shutdown() })
	return d, notifier, clock
}

func rejectionCode(t *testing.T, err error) string {
	t.Helper()
	rej, ok := err.(*Rejection)
	if !ok {
		t.Fatalf("err = %v, want *Rejection", err)
	}
	return rej.Code
}

func TestCreatePreconditions(t *testing.T) {
	d, _, _ := newTestDesk(t)
	if _, err := d.Create("riley", "Riley", "Bogus", "10.0.0.1"); rejectionCode(t, err) != common.ErrCodeBadRequest {
		t.Fatalf("unknown type should be a bad request")
	}
	if _, err := d.Create("riley", "Riley", ticket.TypeOther, "10.0.0.1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := d.Create("riley", "Riley", ticket.TypeAppeal, "10.0.0.2"); rejectionCode(t, err) != common.ErrCodeConflict {
		t.Fatalf("duplicate identity should conflict")
	}
	if _, err := d.Create("casey", "Casey", ticket.TypeOther, "10.0.0.1"); rejectionCode(t, err) != common.ErrCodeConflict {
		t.Fatalf("duplicate address should conflict")
	}
	if _, err := d.Create("casey", "Casey", ticket.TypeOther, "10.0.0.2"); err != nil {
		t.Fatalf("distinct address should pass: %v", err)
	}
}

func TestSharedAddressExemptAndRateLimit(t *testing.T) {
	d, _, _ := newTestDesk(t)
	users := []string{"a", "b", "c"}
	for _, u := range users {
		if _, err := d.Create(u, u, ticket.TypeOther, "77.1.2.3"); err != nil {
			t.Fatalf("shared address create %s: %v", u, err)
		}
	}
	_, err := d.Create("dee", "Dee", ticket.TypeOther, "77.1.2.3")
	if rejectionCode(t, err) != common.ErrCodeRateLimited {
		t.Fatalf("fourth ticket in the window should be rate limited")
	}
}

func TestBannedIdentityRejected(t *testing.T) {
	d, _, _ := newTestDesk(t)
	if err := d.Ban("mallory", "xan", "ticket abuse"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	_, err := d.Create("mallory", "Mallory", ticket.TypeOther, "10.0.0.5")
	if rejectionCode(t, err) != common.ErrCodeBanned {
		t.Fatalf("banned identity should be rejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "ticket abuse") {
		t.Fatalf("rejection should carry the ban reason: %v", err)
	}
	if _, ok := d.Get("mallory"); ok {
		t.Fatalf("no ticket record may be created for a banned identity")
	}

	if err := d.Unban("mallory"); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if _, err := d.Create("mallory", "Mallory", ticket.TypeOther, "10.0.0.5"); err != nil {
		t.Fatalf("create after unban: %v", err)
	}
}

func TestBanClosesOpenTicket(t *testing.T) {
	d, _, clock := newTestDesk(t)
	if _, err := d.Create("mallory", "Mallory", ticket.TypeOther, "10.0.0.5"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Ban("mallory", "xan", "abuse"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	tk, _ := d.Get("mallory")
	if tk.Open() {
		t.Fatalf("ban should close the open ticket")
	}

	rows, err := d.StatsMonth(stats.MonthKey(clock.Now()), "type", "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	typeRows := rows.([]stats.TypeRow)
	if len(typeRows) != 1 || typeRows[0].Count != 1 {
		t.Fatalf("rows = %+v", typeRows)
	}
}

func TestClaimLifecycleAndStats(t *testing.T) {
	d, _, clock := newTestDesk(t)
	if _, err := d.Create("riley", "Riley", ticket.TypeOther, "10.0.0.1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := d.Message("riley", "riley", "hello"); err != nil {
		t.Fatalf("message: %v", err)
	}
	tk, _ := d.Get("riley")
	if tk.Active() {
		t.Fatalf("greeting must not activate")
	}
	clock.Advance(time.Minute)
	if _, err := d.Message("riley", "riley", "my password was stolen"); err != nil {
		t.Fatalf("message: %v", err)
	}
	if !tk.Active() {
		t.Fatalf("ticket should be active")
	}
	clock.Advance(time.Minute)
	if err := d.Join("riley", "xan"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if tk.Claimant() != "xan" {
		t.Fatalf("claimant = %q", tk.Claimant())
	}
	clock.Advance(time.Minute)
	if err := d.Close("riley", "xan", true); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := d.Close("riley", "xan", true); err == nil {
		t.Fatalf("second close must be rejected")
	}

	rows, err := d.StatsMonth(stats.MonthKey(clock.Now()), "type", "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	typeRows := rows.([]stats.TypeRow)
	if len(typeRows) != 1 {
		t.Fatalf("want one closure record, got %+v", typeRows)
	}
	row := typeRows[0]
	if row.Type != ticket.TypeOther || row.PositivePct != 100 {
		t.Fatalf("row = %+v", row)
	}
	if row.AvgWait != time.Minute.Milliseconds() {
		t.Fatalf("avg wait = %d, want one minute", row.AvgWait)
	}
	if row.AvgUnclaimed != time.Minute.Milliseconds() {
		t.Fatalf("avg unclaimed = %d, want one minute", row.AvgUnclaimed)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	d, _, _ := newTestDesk(t)
	if _, err := d.Create("riley", "Riley", ticket.TypeOther, "10.0.0.1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Delete("riley", "xan"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := d.Get("riley"); ok {
		t.Fatalf("deleted ticket must leave no live record")
	}
	// no retained closed record either: a fresh ticket opens cleanly
	if _, err := d.Create("riley", "Riley", ticket.TypeOther, "10.0.0.1"); err != nil {
		t.Fatalf("create after delete: %v", err)
	}
}

func TestBroadcastOnMutationAndOptOut(t *testing.T) {
	d, notifier, _ := newTestDesk(t)
	if d.ToggleNotifications("yuri") != true {
		t.Fatalf("toggle should disable notifications")
	}
	if _, err := d.Create("riley", "Riley", ticket.TypeRoomAssistance, "10.0.0.1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// no-context ticket is active and unclaimed: staff get the summary
	if notifier.count("xan") == 0 {
		t.Fatalf("xan should be notified")
	}
	if notifier.count("yuri") != 0 {
		t.Fatalf("yuri opted out and must not be notified")
	}
	if !strings.Contains(notifier.last("xan"), "[urgent]") {
		t.Fatalf("summary should flag the urgent type: %q", notifier.last("xan"))
	}
}

func TestEscalationDelayWarning(t *testing.T) {
	d, notifier, _ := newTestDesk(t)
	if _, err := d.Create("riley", "Riley", ticket.TypeRoomAssistance, "10.0.0.1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for notifier.count("riley") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("escalation fire never posted the delay message")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(notifier.last("riley"), "alerted") {
		t.Fatalf("delay message = %q", notifier.last("riley"))
	}
	tk, _ := d.Get("riley")
	if tk.Record().NeedsDelayWarning {
		t.Fatalf("delay warning flag should clear after the first escalation")
	}
}

func TestBoilerplatePromptDelivered(t *testing.T) {
	d, notifier, _ := newTestDesk(t)
	if _, err := d.Create("riley", "Riley", ticket.TypeOther, "10.0.0.1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	v, err := d.Message("riley", "riley", "hi")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if v != ticket.MsgBoilerplate {
		t.Fatalf("verdict = %v, want boilerplate", v)
	}
	if notifier.last("riley") != BoilerplatePrompt {
		t.Fatalf("prompt = %q", notifier.last("riley"))
	}
}

func TestBanSurvivesRepeatedRestarts(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)}
	pol := testPolicy()
	opts := Options{
		SnapshotPath: filepath.Join(dir, "tickets.json"),
		StatsDir:     filepath.Join(dir, "stats"),
		Policy:       pol,
		Directory:    NewStaticDirectory(pol.Staff),
		Notifier:     &fakeNotifier{sent: make(map[string][]string)},
		Now:          clock.Now,
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	if err := d.Ban("mallory", "xan", "abuse"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// each restart must rebuild the registry from the marker and keep the
	// marker in the snapshot for the generation after it
	for i := 0; i < 2; i++ {
		clock.Advance(time.Hour)
		d, err = New(opts)
		if err != nil {
			t.Fatalf("restart %d: %v", i+1, err)
		}
		if d.IsBanned("mallory") == nil {
			t.Fatalf("ban lost after restart %d", i+1)
		}
		if err := d.Shutdown(); err != nil {
			t.Fatalf("shutdown %d: %v", i+1, err)
		}
	}

	// once past expiry the marker is gone for good
	clock.Advance(TicketBanDuration)
	d, err = New(opts)
	if err != nil {
		t.Fatalf("final restart: %v", err)
	}
	defer d.Shutdown()
	if d.IsBanned("mallory") != nil {
		t.Fatalf("expired ban should not be rebuilt")
	}
	if _, err := d.Create("mallory", "Mallory", ticket.TypeOther, "10.0.0.5"); err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
}

func TestLoadSweepFinalizesStaleOpenOnce(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)}
	pol := testPolicy()
	opts := Options{
		SnapshotPath: filepath.Join(dir, "tickets.json"),
		StatsDir:     filepath.Join(dir, "stats"),
		Policy:       pol,
		Directory:    NewStaticDirectory(pol.Staff),
		Notifier:     &fakeNotifier{sent: make(map[string][]string)},
		Now:          clock.Now,
	}
	rec := &ticket.Record{
		Creator: "Riley", UserID: "riley", Open: true, Active: true,
		Type: ticket.TypeOther, Created: clock.Now().Add(-48 * time.Hour).UnixMilli(),
	}
	b, err := json.Marshal(map[string]*ticket.Record{"riley": rec})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(opts.SnapshotPath, b, 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	d, err := New(opts)
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	agg := stats.NewAggregator(opts.StatsDir)
	lines, err := agg.Month(stats.MonthKey(clock.Now()))
	if err != nil {
		t.Fatalf("month: %v", err)
	}
	if len(lines) != 1 || lines[0].Resolution != ticket.ResolutionUnresolved {
		t.Fatalf("sweep record = %+v", lines)
	}
	if _, ok := d.Get("riley"); ok {
		t.Fatalf("stale record must not come back as a live ticket")
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// another restart must not finalize it a second time
	d, err = New(opts)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer d.Shutdown()
	lines, err = agg.Month(stats.MonthKey(clock.Now()))
	if err != nil {
		t.Fatalf("month: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("sweep must finalize exactly once, got %d records", len(lines))
	}
}

func TestShutdownFinalizesOpenTickets(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)}
	notifier := &fakeNotifier{sent: make(map[string][]string)}
	pol := testPolicy()
	opts := Options{
		SnapshotPath: filepath.Join(dir, "tickets.json"),
		StatsDir:     filepath.Join(dir, "stats"),
		Policy:       pol,
		Directory:    NewStaticDirectory(pol.Staff),
		Notifier:     notifier,
		Now:          clock.Now,
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("desk: %v", err)
	}
	if _, err := d.Create("riley", "Riley", ticket.TypeRoomAssistance, "10.0.0.1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	agg := stats.NewAggregator(filepath.Join(dir, "stats"))
	lines, err := agg.Month(stats.MonthKey(clock.Now()))
	if err != nil {
		t.Fatalf("month: %v", err)
	}
	if len(lines) != 1 || lines[0].Resolution != ticket.ResolutionUnresolved {
		t.Fatalf("teardown record = %+v", lines)
	}

	// shutdown flushed the closed record, so a cold restart emits nothing new
	d2, err := New(opts)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer d2.Shutdown()
	lines, err = agg.Month(stats.MonthKey(clock.Now()))
	if err != nil {
		t.Fatalf("month: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("restart must not emit a second record, got %d", len(lines))
	}
}
