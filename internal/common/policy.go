package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML decoding ("30s", "5m", "24h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("policy: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// StaffEntry is one roster line in the policy file.
type StaffEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Tier string `yaml:"tier"`
}

// Policy holds operator-tunable behavior. Zero values fall back to defaults
// applied in Normalize.
type Policy struct {
	Retention    Duration `yaml:"retention"`
	SaveDebounce Duration `yaml:"save_debounce"`

	Escalation struct {
		UrgentDelay  Duration `yaml:"urgent_delay"`
		DefaultDelay Duration `yaml:"default_delay"`
	} `yaml:"escalation"`

	RateLimit struct {
		PerIP  int      `yaml:"per_ip"`
		Window Duration `yaml:"window"`
	} `yaml:"rate_limit"`

	// Greetings that do not count as ticket activation.
	Greetings []string `yaml:"greetings"`
	// Address prefixes exempt from duplicate-ticket detection.
	SharedIPs []string `yaml:"shared_ips"`
	// Message posted into a ticket on the first escalation, keyed by issue type.
	DelayMessages map[string]string `yaml:"delay_messages"`

	Staff []StaffEntry `yaml:"staff"`
}

// LoadPolicy reads the YAML policy file; an empty path yields defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := &Policy{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, p); err != nil {
			return nil, fmt.Errorf("policy: parse %s: %w", path, err)
		}
	}
	p.Normalize()
	return p, nil
}

func (p *Policy) Normalize() {
	if p.Retention == 0 {
		p.Retention = Duration(24 * time.Hour)
	}
	if p.SaveDebounce == 0 {
		p.SaveDebounce = Duration(2 * time.Second)
	}
	if p.Escalation.UrgentDelay == 0 {
		p.Escalation.UrgentDelay = Duration(30 * time.Second)
	}
	if p.Escalation.DefaultDelay == 0 {
		p.Escalation.DefaultDelay = Duration(5 * time.Minute)
	}
	if p.RateLimit.PerIP == 0 {
		p.RateLimit.PerIP = 3
	}
	if p.RateLimit.Window == 0 {
		p.RateLimit.Window = Duration(time.Hour)
	}
	if p.Greetings == nil {
		p.Greetings = []string{
			"hi", "hello", "hey", "hi there", "hello there",
			"help", "help me", "please help", "anyone there", "yo",
		}
	}
}

// SharedIP reports whether the address is exempt from duplicate-ticket
// detection. The exemption boundary is a policy decision; the core consumes
// this as an injected predicate.
func (p *Policy) SharedIP(ip string) bool {
	for _, pref := range p.SharedIPs {
		if strings.HasPrefix(ip, pref) {
			return true
		}
	}
	return false
}

// Greeting reports whether a message is low-content boilerplate that must not
// activate a ticket.
func (p *Policy) Greeting(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	m = strings.TrimRight(m, ".!?")
	for _, g := range p.Greetings {
		if m == g {
			return true
		}
	}
	return false
}
