package models

import (
	"fmt"
	"time"

	"github.com/custodia-io/custodia/pkg/constants"
)

// RotationPolicy is a declarative rule set evaluated by the rotation engine.
// Policies are configuration, not per-key state; many keys may match one
// policy. Zero-valued thresholds are inactive.
type RotationPolicy struct {
	Name string `mapstructure:"name" json:"name"`

	// MaxAgeDays flags keys older than this many days.
	MaxAgeDays int `mapstructure:"max_age_days" json:"max_age_days"`
	// MaxUsage flags keys whose cumulative usage exceeds this count.
	MaxUsage int64 `mapstructure:"max_usage" json:"max_usage"`
	// MaxInactivityDays flags keys unused for this many days.
	MaxInactivityDays int `mapstructure:"max_inactivity_days" json:"max_inactivity_days"`

	// Boolean triggers cause immediate rotation or revocation rather than
	// flagging.
	RotateOnCompromise         bool `mapstructure:"rotate_on_compromise" json:"rotate_on_compromise"`
	RotateOnSuspiciousActivity bool `mapstructure:"rotate_on_suspicious_activity" json:"rotate_on_suspicious_activity"`
	RotateOnOwnerChange        bool `mapstructure:"rotate_on_owner_change" json:"rotate_on_owner_change"`

	// SuspiciousActivityThreshold is the number of suspicious usage records
	// inside the inactivity window that fires the suspicious-activity trigger.
	SuspiciousActivityThreshold int `mapstructure:"suspicious_activity_threshold" json:"suspicious_activity_threshold"`

	// NotifyBeforeDays is the notification lead time ahead of the hard
	// rotation deadline for flagged keys.
	NotifyBeforeDays int `mapstructure:"notify_before_days" json:"notify_before_days"`

	// AppliesTo selects the keys the policy governs. Empty selector fields
	// match everything.
	AppliesTo PolicySelector `mapstructure:"applies_to" json:"applies_to"`
}

// PolicySelector is the applies-to predicate of a policy, expressed as data
// and compiled into a match function.
type PolicySelector struct {
	OwnerTypes  []constants.OwnerType `mapstructure:"owner_types" json:"owner_types,omitempty"`
	Scopes      []constants.Scope     `mapstructure:"scopes" json:"scopes,omitempty"`
	Permissions []string              `mapstructure:"permissions" json:"permissions,omitempty"`
}

// KeyPredicate is a composable predicate over key metadata.
type KeyPredicate func(key *APIKey, now time.Time) bool

// matchAny builds a predicate true when the key satisfies any of the given
// predicates, or when none are given.
func matchAny(preds ...KeyPredicate) KeyPredicate {
	return func(key *APIKey, now time.Time) bool {
		if len(preds) == 0 {
			return true
		}
		for _, p := range preds {
			if p(key, now) {
				return true
			}
		}
		return false
	}
}

// matchAll builds a predicate true when the key satisfies every predicate.
func matchAll(preds ...KeyPredicate) KeyPredicate {
	return func(key *APIKey, now time.Time) bool {
		for _, p := range preds {
			if !p(key, now) {
				return false
			}
		}
		return true
	}
}

// Compile turns the selector into a predicate. Each populated field narrows
// the match; fields are ANDed, values within a field are ORed.
func (s PolicySelector) Compile() KeyPredicate {
	var parts []KeyPredicate

	if len(s.OwnerTypes) > 0 {
		owners := make([]KeyPredicate, 0, len(s.OwnerTypes))
		for _, ot := range s.OwnerTypes {
			ot := ot
			owners = append(owners, func(key *APIKey, _ time.Time) bool {
				return key.OwnerType == ot
			})
		}
		parts = append(parts, matchAny(owners...))
	}

	if len(s.Scopes) > 0 {
		scopes := make([]KeyPredicate, 0, len(s.Scopes))
		for _, sc := range s.Scopes {
			sc := sc
			scopes = append(scopes, func(key *APIKey, _ time.Time) bool {
				return key.Scope == sc
			})
		}
		parts = append(parts, matchAny(scopes...))
	}

	if len(s.Permissions) > 0 {
		perms := make([]KeyPredicate, 0, len(s.Permissions))
		for _, p := range s.Permissions {
			p := p
			perms = append(perms, func(key *APIKey, _ time.Time) bool {
				return key.HasPermission(p)
			})
		}
		parts = append(parts, matchAny(perms...))
	}

	return matchAll(parts...)
}

// ThresholdReasons returns the numeric thresholds the key currently exceeds,
// as human-readable reasons. An empty result means the key is within policy.
func (p RotationPolicy) ThresholdReasons(key *APIKey, now time.Time) []string {
	var reasons []string
	if p.MaxAgeDays > 0 && key.Age(now) > time.Duration(p.MaxAgeDays)*24*time.Hour {
		reasons = append(reasons, fmt.Sprintf("age exceeds %d days", p.MaxAgeDays))
	}
	if p.MaxUsage > 0 && key.UsageCount > p.MaxUsage {
		reasons = append(reasons, fmt.Sprintf("usage exceeds %d requests", p.MaxUsage))
	}
	if p.MaxInactivityDays > 0 && key.Inactivity(now) > time.Duration(p.MaxInactivityDays)*24*time.Hour {
		reasons = append(reasons, fmt.Sprintf("inactive for more than %d days", p.MaxInactivityDays))
	}
	return reasons
}

// Validate checks the policy for malformed configuration.
func (p RotationPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("rotation policy requires a name")
	}
	if p.MaxAgeDays < 0 || p.MaxUsage < 0 || p.MaxInactivityDays < 0 || p.NotifyBeforeDays < 0 {
		return fmt.Errorf("rotation policy %q has negative thresholds", p.Name)
	}
	for _, ot := range p.AppliesTo.OwnerTypes {
		if !ot.Valid() {
			return fmt.Errorf("rotation policy %q selects unknown owner type %q", p.Name, ot)
		}
	}
	for _, sc := range p.AppliesTo.Scopes {
		if !sc.Valid() {
			return fmt.Errorf("rotation policy %q selects unknown scope %q", p.Name, sc)
		}
	}
	return nil
}
