package escalation

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/staffdesk/staffdesk/internal/ticket"
)

func collectFires() (func(string), chan string) {
	ch := make(chan string, 8)
	return func(tier string) { ch <- tier }, ch
}

func TestSchedulerArmsAndFires(t *testing.T) {
	fire, fired := collectFires()
	s := NewScheduler(10*time.Millisecond, time.Hour, nil, fire)
	defer s.Stop()

	s.Observe("staff", true, true)
	select {
	case tier := <-fired:
		if tier != "staff" {
			t.Fatalf("fired tier = %q", tier)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired")
	}
	if s.Pending("staff") {
		t.Fatalf("slot should clear after firing")
	}
}

func TestSchedulerCancelOnCondClear(t *testing.T) {
	fire, fired := collectFires()
	s := NewScheduler(10*time.Millisecond, time.Hour, nil, fire)
	defer s.Stop()

	s.Observe("staff", true, true)
	s.Observe("staff", false, false)
	if s.Pending("staff") {
		t.Fatalf("cancel should clear the slot")
	}
	select {
	case <-fired:
		t.Fatalf("canceled timer must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerReschedulesSoonerNeverLater(t *testing.T) {
	fire, _ := collectFires()
	s := NewScheduler(10*time.Second, time.Hour, nil, fire)
	defer s.Stop()

	s.Observe("staff", true, false)
	long := s.Deadline("staff")

	// urgent ticket appears: pull the deadline in
	s.Observe("staff", true, true)
	short := s.Deadline("staff")
	if !short.Before(long) {
		t.Fatalf("urgent condition should shorten the deadline")
	}

	// back to non-urgent: the pending timer is never lengthened
	s.Observe("staff", true, false)
	if got := s.Deadline("staff"); !got.Equal(short) {
		t.Fatalf("deadline moved from %v to %v", short, got)
	}

	// urgent again while already at the short deadline: no churn
	s.Observe("staff", true, true)
	if got := s.Deadline("staff"); got.After(short) {
		t.Fatalf("deadline must never move later")
	}
}

func TestSchedulerOneSlotPerTier(t *testing.T) {
	fire, _ := collectFires()
	s := NewScheduler(time.Minute, time.Hour, nil, fire)
	defer s.Stop()

	s.Observe("staff", true, false)
	d := s.Deadline("staff")
	s.Observe("staff", true, false)
	if got := s.Deadline("staff"); !got.Equal(d) {
		t.Fatalf("re-observing must not re-arm the pending slot")
	}
	s.Observe("upperstaff", true, false)
	if !s.Pending("staff") || !s.Pending("upperstaff") {
		t.Fatalf("tiers keep independent slots")
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(map[string][]string)}
}

func (n *recordingNotifier) Notify(audience, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[audience] = append(n.sent[audience], message)
}

func liveTicket(user string, typ ticket.IssueType, claimedBy string) *ticket.Ticket {
	tk := ticket.New(&ticket.Record{
		Creator: user, UserID: user, Open: true, Type: typ, Created: 1000,
	}, nil)
	tk.OnMessage(ticket.Participant{ID: user, Name: user}, "substantive context", 1500)
	if claimedBy != "" {
		tk.OnJoin(ticket.Participant{ID: claimedBy, Name: claimedBy, Staff: true}, 2000)
	}
	return tk
}

func TestBroadcastSkipsOptedOutAndClaimedOnly(t *testing.T) {
	n := newRecordingNotifier()
	roster := func(tier string) []Staffer {
		return []Staffer{{ID: "xan", Name: "xan"}, {ID: "yuri", Name: "yuri"}}
	}
	optedOut := func(id string) bool { return id == "yuri" }
	b := NewBroadcaster(n, roster, optedOut)

	sent := b.Broadcast("staff", []*ticket.Ticket{liveTicket("riley", ticket.TypeOther, "")})
	if sent != 1 {
		t.Fatalf("sent = %d, want 1 (yuri opted out)", sent)
	}
	if len(n.sent["xan"]) != 1 || len(n.sent["yuri"]) != 0 {
		t.Fatalf("delivery = %+v", n.sent)
	}

	// everything claimed: nothing to say
	if got := b.Broadcast("staff", []*ticket.Ticket{liveTicket("casey", ticket.TypeOther, "xan")}); got != 0 {
		t.Fatalf("claimed-only broadcast sent %d", got)
	}
}

func TestSummaryText(t *testing.T) {
	msg := Summary([]*ticket.Ticket{
		liveTicket("riley", ticket.TypeRoomAssistance, ""),
		liveTicket("casey", ticket.TypeOther, "zoe"),
	})
	if msg == "" {
		t.Fatalf("summary should mention the unclaimed ticket")
	}
	for _, want := range []string{"1 unclaimed", "[urgent]", "claimed by zoe"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("summary %q missing %q", msg, want)
		}
	}
}
