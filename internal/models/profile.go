package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Profile attribute names, as requested from the extraction prompt.
const (
	AttrFirstName = "prénom"
	AttrAge       = "âge"
	AttrCity      = "ville"
	AttrInterests = "intérêts"
)

// Profile is the durable, cross-restart set of attributes known about a user.
type Profile struct {
	UserID      string            `json:"user_id"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Attributes  map[string]string `json:"attributes"`
}

// NewProfile returns an empty profile for userID first seen at now.
func NewProfile(userID string, now time.Time) Profile {
	return Profile{
		UserID:      userID,
		FirstSeenAt: now,
		UpdatedAt:   now,
		Attributes:  map[string]string{},
	}
}

// Merge union-merges attrs into the profile. Empty values never overwrite; later
// values win on conflict. It reports whether anything changed.
func (p *Profile) Merge(attrs map[string]string, now time.Time) bool {
	if p.Attributes == nil {
		p.Attributes = map[string]string{}
	}
	changed := false
	for k, v := range attrs {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		if p.Attributes[k] != v {
			p.Attributes[k] = v
			changed = true
		}
	}
	if changed {
		p.UpdatedAt = now
	}
	return changed
}

// FirstName returns the known first name, if any.
func (p Profile) FirstName() string {
	return p.Attributes[AttrFirstName]
}

// SortedKeys returns attribute names in a stable order.
func (p Profile) SortedKeys() []string {
	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary flattens the attributes into "k: v, k: v" for prompt construction.
func (p Profile) Summary() string {
	parts := make([]string, 0, len(p.Attributes))
	for _, k := range p.SortedKeys() {
		parts = append(parts, fmt.Sprintf("%s: %s", k, p.Attributes[k]))
	}
	return strings.Join(parts, ", ")
}
