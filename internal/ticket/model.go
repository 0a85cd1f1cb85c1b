package ticket

import "errors"

// IssueType is the fixed enumeration of ticket categories.
type IssueType string

const (
	TypeAppeal            IssueType = "Appeal"
	TypeIPAppeal          IssueType = "IP Appeal"
	TypePMHarassment      IssueType = "PM Harassment"
	TypeBattleHarassment  IssueType = "Battle Harassment"
	TypeInappropriateName IssueType = "Inappropriate Name"
	TypeRoomAssistance    IssueType = "Room Assistance"
	TypeOther             IssueType = "Other"
)

// Staff audience tiers for escalation and notification.
const (
	TierStaff      = "staff"
	TierUpperStaff = "upperstaff"
)

type resultClass int

const (
	classAssist resultClass = iota
	classAppeal
	classReport
)

type typePolicy struct {
	class resultClass
	// noContext types need no context-gathering step and are active at open.
	noContext bool
	// urgent types use the short escalation delay.
	urgent bool
	tier   string
}

var typePolicies = map[IssueType]typePolicy{
	TypeAppeal:            {class: classAppeal, tier: TierUpperStaff},
	TypeIPAppeal:          {class: classAppeal, tier: TierUpperStaff},
	TypePMHarassment:      {class: classReport, tier: TierStaff},
	TypeBattleHarassment:  {class: classReport, tier: TierStaff},
	TypeInappropriateName: {class: classReport, noContext: true, tier: TierStaff},
	TypeRoomAssistance:    {noContext: true, urgent: true, tier: TierStaff},
	TypeOther:             {tier: TierStaff},
}

// Types lists all known issue types in a stable order.
var Types = []IssueType{
	TypeAppeal, TypeIPAppeal, TypePMHarassment, TypeBattleHarassment,
	TypeInappropriateName, TypeRoomAssistance, TypeOther,
}

func KnownType(t IssueType) bool { _, ok := typePolicies[t]; return ok }

func NoContext(t IssueType) bool { return typePolicies[t].noContext }

func Urgent(t IssueType) bool { return typePolicies[t].urgent }

// Tier returns the staff audience responsible for the type.
func Tier(t IssueType) string {
	if p, ok := typePolicies[t]; ok {
		return p.tier
	}
	return TierStaff
}

// Resolution classifies how a ticket's lifecycle played out, computed once at
// close.
type Resolution string

const (
	ResolutionUnknown    Resolution = "unknown"
	ResolutionDead       Resolution = "dead"
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionResolved   Resolution = "resolved"
)

// Result classifies the substance of the close outcome, type-dependent.
type Result string

const (
	ResultApproved   Result = "approved"
	ResultValid      Result = "valid"
	ResultAssisted   Result = "assisted"
	ResultDenied     Result = "denied"
	ResultInvalid    Result = "invalid"
	ResultUnassisted Result = "unassisted"
	ResultTicketBan  Result = "ticketban"
	ResultDeleted    Result = "deleted"
)

// Positive reports whether a result counts toward the positive-percentage
// stats column.
func (r Result) Positive() bool {
	return r == ResultApproved || r == ResultValid || r == ResultAssisted
}

// Outcome is the closed variant describing how a ticket was closed.
type Outcome int

const (
	OutcomePositive Outcome = iota
	OutcomeNegative
	OutcomeBanned
	OutcomeDeleted
)

// ResultFor maps (outcome, issue type) to the public result value.
func ResultFor(o Outcome, t IssueType) Result {
	switch o {
	case OutcomeBanned:
		return ResultTicketBan
	case OutcomeDeleted:
		return ResultDeleted
	}
	positive := o == OutcomePositive
	switch typePolicies[t].class {
	case classAppeal:
		if positive {
			return ResultApproved
		}
		return ResultDenied
	case classReport:
		if positive {
			return ResultValid
		}
		return ResultInvalid
	default:
		if positive {
			return ResultAssisted
		}
		return ResultUnassisted
	}
}

// Record is the persisted portion of a ticket, keyed by UserID in the store.
type Record struct {
	Creator string    `json:"creator"`
	UserID  string    `json:"userId"`
	Open    bool      `json:"open"`
	Active  bool      `json:"active"`
	Type    IssueType `json:"type"`
	// Created is unix milliseconds.
	Created           int64  `json:"created"`
	Claimed           string `json:"claimed,omitempty"`
	OriginIP          string `json:"originIp,omitempty"`
	NeedsDelayWarning bool   `json:"needsDelayWarning,omitempty"`
	Offline           bool   `json:"offline,omitempty"`
	// Banned carries the ban reason when the requester was ticket-banned;
	// the restart sweep converts such entries into ban-registry records.
	Banned     string `json:"banned,omitempty"`
	BanExpires int64  `json:"banExpires,omitempty"`
}

// Participant is a room member as the core sees it.
type Participant struct {
	ID    string
	Name  string
	Staff bool
}

var (
	ErrClosed        = errors.New("ticket is closed")
	ErrAlreadyClosed = errors.New("ticket already closed")
)
