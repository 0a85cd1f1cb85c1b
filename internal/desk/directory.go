package desk

import (
	"github.com/staffdesk/staffdesk/internal/common"
	"github.com/staffdesk/staffdesk/internal/escalation"
)

// Profile is what the identity provider knows about an identity.
type Profile struct {
	ID      string
	Name    string
	Staff   bool
	Tier    string
	Trusted bool
	IPs     []string
}

// Directory resolves opaque identities and enumerates staff per tier. It is
// an external collaborator; the desk only consumes it.
type Directory interface {
	Resolve(id string) Profile
	Staff(tier string) []escalation.Staffer
}

// StaticDirectory is a roster-backed Directory seeded from the policy file.
// Unknown identities resolve to non-staff profiles named after the id.
type StaticDirectory struct {
	profiles map[string]Profile
	tiers    map[string][]escalation.Staffer
}

func NewStaticDirectory(entries []common.StaffEntry) *StaticDirectory {
	d := &StaticDirectory{
		profiles: make(map[string]Profile),
		tiers:    make(map[string][]escalation.Staffer),
	}
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = e.ID
		}
		d.profiles[e.ID] = Profile{ID: e.ID, Name: name, Staff: true, Tier: e.Tier, Trusted: true}
		d.tiers[e.Tier] = append(d.tiers[e.Tier], escalation.Staffer{ID: e.ID, Name: name})
	}
	// upperstaff see staff-tier traffic as well
	d.tiers["staff"] = append(d.tiers["staff"], d.tiers["upperstaff"]...)
	return d
}

func (d *StaticDirectory) Resolve(id string) Profile {
	if p, ok := d.profiles[id]; ok {
		return p
	}
	return Profile{ID: id, Name: id}
}

func (d *StaticDirectory) Staff(tier string) []escalation.Staffer {
	return d.tiers[tier]
}
