package ticket

// Ticket is the in-memory state machine for one help request. All mutation
// goes through the fixed event surface (OnJoin / OnLeave / OnMessage / Close /
// Teardown); the caller serializes invocations. Timestamps are unix
// milliseconds supplied by the caller's clock.
type Ticket struct {
	rec      *Record
	greeting func(string) bool

	claimant *Participant
	queue    []Participant
	// present tracks the requester and non-staff participants still in the
	// room; staff presence is tracked via claimant/queue.
	present map[string]Participant

	involved      map[string]bool
	involvedOrder []string
	lastClaimer   string

	createTime         int64
	activationTime     int64
	firstClaimTime     int64
	unclaimedTime      int64
	lastUnclaimedStart int64
	closeTime          int64

	emptyRoom  bool
	resolution Resolution
	result     Result
	finalized  bool
}

// MessageVerdict tells the caller how a requester message was handled.
type MessageVerdict int

const (
	// MsgNone: no state change relevant to the caller.
	MsgNone MessageVerdict = iota
	// MsgBoilerplate: low-content greeting intercepted; caller should reply
	// with the context prompt. The ticket stays inactive.
	MsgBoilerplate
	// MsgActivated: the message activated the ticket.
	MsgActivated
)

// FinalReport is the exactly-once closure summary fed to the stats recorder.
type FinalReport struct {
	Type           IssueType
	Total          int64
	FirstClaimWait int64
	Unclaimed      int64
	Resolution     Resolution
	Result         Result
	Staff          []string
	ClosedAt       int64
}

// Handler is the fixed dispatch surface the room layer drives.
type Handler interface {
	OnJoin(p Participant, now int64) (bool, error)
	OnLeave(p Participant, now int64) bool
	OnMessage(p Participant, text string, now int64) MessageVerdict
	Close(o Outcome, closer Participant, now int64) (*FinalReport, error)
}

var _ Handler = (*Ticket)(nil)

// New wires a runtime ticket around a (fresh or reloaded) record. No-context
// issue types are active from the start, so their unclaimed clock runs
// immediately. For reloaded records the lost runtime timestamps are
// approximated by the creation time.
func New(rec *Record, greeting func(string) bool) *Ticket {
	t := &Ticket{
		rec:        rec,
		greeting:   greeting,
		present:    make(map[string]Participant),
		involved:   make(map[string]bool),
		createTime: rec.Created,
		resolution: ResolutionUnknown,
	}
	t.present[rec.UserID] = Participant{ID: rec.UserID, Name: rec.Creator}
	if rec.Open && (rec.Active || NoContext(rec.Type)) {
		if !rec.Active {
			rec.Active = true
			rec.NeedsDelayWarning = true
		}
		t.activationTime = rec.Created
		t.lastUnclaimedStart = rec.Created
	}
	if rec.Open && rec.Claimed != "" {
		cp := Participant{ID: rec.Claimed, Name: rec.Claimed, Staff: true}
		t.claimant = &cp
		t.lastClaimer = rec.Claimed
		t.firstClaimTime = rec.Created
		t.lastUnclaimedStart = 0
	}
	return t
}

func (t *Ticket) Record() *Record { return t.rec }
func (t *Ticket) Open() bool      { return t.rec.Open }
func (t *Ticket) Active() bool    { return t.rec.Active }
func (t *Ticket) Type() IssueType { return t.rec.Type }
func (t *Ticket) UserID() string  { return t.rec.UserID }

// Claimant returns the display name of the claiming staff member, or "".
func (t *Ticket) Claimant() string { return t.rec.Claimed }

// Unclaimed reports whether the ticket is waiting for staff attention.
func (t *Ticket) Unclaimed() bool {
	return t.rec.Open && t.rec.Active && t.claimant == nil
}

// Queue returns the display names waiting to claim, in FIFO order.
func (t *Ticket) Queue() []string {
	out := make([]string, len(t.queue))
	for i, p := range t.queue {
		out[i] = p.Name
	}
	return out
}

// UnclaimedTime returns the cumulative unclaimed duration up to now.
func (t *Ticket) UnclaimedTime(now int64) int64 {
	total := t.unclaimedTime
	if t.lastUnclaimedStart != 0 {
		total += now - t.lastUnclaimedStart
	}
	return total
}

func (t *Ticket) Resolution() Resolution { return t.resolution }
func (t *Ticket) Result() Result         { return t.result }

// ClearDelayWarning marks the one-shot escalation message as sent.
func (t *Ticket) ClearDelayWarning() { t.rec.NeedsDelayWarning = false }

// OnJoin handles a participant entering the ticket room. A staff member
// claims an unclaimed ticket immediately, otherwise queues; the requester and
// non-staff participants always enter. Rejected only when already closed.
func (t *Ticket) OnJoin(p Participant, now int64) (bool, error) {
	if !t.rec.Open {
		return false, ErrClosed
	}
	if p.ID == t.rec.UserID {
		changed := t.rec.Offline
		t.rec.Offline = false
		t.present[p.ID] = p
		return changed, nil
	}
	if !p.Staff {
		t.present[p.ID] = p
		return false, nil
	}
	if t.claimant == nil {
		t.claim(p, now)
		return true, nil
	}
	if t.claimant.ID == p.ID {
		return false, nil
	}
	t.queue = append(t.queue, p)
	t.touch(p)
	return true, nil
}

// OnLeave handles a participant leaving. The requester going away marks the
// ticket offline without closing it; the claimant leaving promotes the queue
// head or unclaims; a queued staff member is removed from the queue.
func (t *Ticket) OnLeave(p Participant, now int64) bool {
	if !t.rec.Open {
		return false
	}
	if p.ID == t.rec.UserID {
		delete(t.present, p.ID)
		changed := !t.rec.Offline
		t.rec.Offline = true
		return changed
	}
	if !p.Staff {
		delete(t.present, p.ID)
		return false
	}
	if t.claimant != nil && t.claimant.ID == p.ID {
		if len(t.queue) > 0 {
			next := t.queue[0]
			t.queue = t.queue[1:]
			t.claim(next, now)
		} else {
			t.claimant = nil
			t.rec.Claimed = ""
			if t.rec.Active {
				t.lastUnclaimedStart = now
			}
		}
		return true
	}
	before := len(t.queue)
	t.queue = t.dropQueued(p.ID)
	return len(t.queue) != before
}

// OnMessage observes a room message. Only the requester's messages matter for
// activation; the first qualifying one flips the active gate. Staff messages
// mark involvement.
func (t *Ticket) OnMessage(p Participant, text string, now int64) MessageVerdict {
	if !t.rec.Open {
		return MsgNone
	}
	if p.ID != t.rec.UserID {
		t.touch(p)
		return MsgNone
	}
	if t.rec.Active {
		return MsgNone
	}
	if t.greeting != nil && t.greeting(text) {
		return MsgBoilerplate
	}
	t.activate(now)
	return MsgActivated
}

// CanForfeit reports whether the requester may close their own ticket: only
// once no other non-staff participant remains in the room.
func (t *Ticket) CanForfeit(p Participant) bool {
	if !t.rec.Open || p.ID != t.rec.UserID {
		return false
	}
	for id := range t.present {
		if id != t.rec.UserID {
			return false
		}
	}
	return true
}

// Close finalizes the ticket exactly once. A second close is rejected.
func (t *Ticket) Close(o Outcome, closer Participant, now int64) (*FinalReport, error) {
	if !t.rec.Open || t.finalized {
		return nil, ErrAlreadyClosed
	}
	t.rec.Open = false
	rep := t.finalize(o, closer, now)
	t.evacuate()
	return rep, nil
}

// Teardown finalizes a still-open ticket as an implicit unresolved close
// (process restart or room destroy). Nil when already finalized.
func (t *Ticket) Teardown(now int64) *FinalReport {
	if !t.rec.Open || t.finalized {
		return nil
	}
	t.rec.Open = false
	rep := t.finalize(OutcomeNegative, Participant{}, now)
	t.evacuate()
	return rep
}

func (t *Ticket) activate(now int64) {
	t.rec.Active = true
	t.rec.NeedsDelayWarning = true
	t.activationTime = now
	if t.claimant == nil {
		t.lastUnclaimedStart = now
	}
}

func (t *Ticket) claim(p Participant, now int64) {
	cp := p
	t.claimant = &cp
	t.rec.Claimed = p.Name
	t.lastClaimer = p.Name
	t.touch(p)
	// the queue never contains the current claimant
	t.queue = t.dropQueued(p.ID)
	if t.firstClaimTime == 0 {
		t.firstClaimTime = now
		t.emptyRoom = len(t.present) == 0
	}
	if t.lastUnclaimedStart != 0 {
		t.unclaimedTime += now - t.lastUnclaimedStart
		t.lastUnclaimedStart = 0
	}
}

func (t *Ticket) touch(p Participant) {
	if !p.Staff || p.ID == t.rec.UserID || t.involved[p.ID] {
		return
	}
	t.involved[p.ID] = true
	t.involvedOrder = append(t.involvedOrder, p.Name)
}

func (t *Ticket) dropQueued(id string) []Participant {
	out := t.queue[:0]
	for _, q := range t.queue {
		if q.ID != id {
			out = append(out, q)
		}
	}
	return out
}

func (t *Ticket) evacuate() {
	t.present = make(map[string]Participant)
	t.queue = nil
	t.claimant = nil
	t.rec.Claimed = ""
}

func (t *Ticket) finalize(o Outcome, closer Participant, now int64) *FinalReport {
	t.finalized = true
	t.closeTime = now
	if t.lastUnclaimedStart != 0 {
		t.unclaimedTime += now - t.lastUnclaimedStart
		t.lastUnclaimedStart = 0
	}
	switch {
	case t.activationTime == 0:
		t.resolution = ResolutionDead
	case t.firstClaimTime == 0 || t.emptyRoom:
		t.resolution = ResolutionUnresolved
	default:
		t.resolution = ResolutionResolved
	}
	t.result = ResultFor(o, t.rec.Type)

	var wait int64
	if t.activationTime != 0 {
		if t.firstClaimTime != 0 {
			wait = t.firstClaimTime - t.activationTime
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = now - t.activationTime
		}
	}

	staff := append([]string(nil), t.involvedOrder...)
	if len(staff) == 0 {
		switch {
		case closer.Staff && closer.ID != t.rec.UserID && closer.Name != "":
			staff = []string{closer.Name}
		case t.lastClaimer != "":
			staff = []string{t.lastClaimer}
		}
	}

	return &FinalReport{
		Type:           t.rec.Type,
		Total:          now - t.createTime,
		FirstClaimWait: wait,
		Unclaimed:      t.unclaimedTime,
		Resolution:     t.resolution,
		Result:         t.result,
		Staff:          staff,
		ClosedAt:       now,
	}
}
