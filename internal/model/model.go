package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentity is returned when an identity is empty after normalization.
var ErrInvalidIdentity = errors.New("invalid identity: empty after normalization")

// NormalizeIdentity case-folds a character name into the key used by every
// cache layer.
func NormalizeIdentity(name string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(name))
	if id == "" {
		return "", ErrInvalidIdentity
	}
	return id, nil
}

// Payload is the remote profile document. The cache never interprets it beyond
// reading the character name.
type Payload = json.RawMessage

// PayloadName extracts the "name" field of a payload.
func PayloadName(p Payload) (string, error) {
	var head struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(p, &head); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if strings.TrimSpace(head.Name) == "" {
		return "", ErrInvalidIdentity
	}
	return head.Name, nil
}

// DerivedAttributes are classification fields computed once when a profile is
// written so later filtering does not need to re-analyze the payload.
type DerivedAttributes struct {
	Gender      string `json:"gender,omitempty"`
	Orientation string `json:"orientation,omitempty"`
	Species     string `json:"species,omitempty"`
	Age         string `json:"age,omitempty"`
	AgeYears    *int   `json:"ageYears,omitempty"`
	Role        string `json:"role,omitempty"`
	Position    string `json:"position,omitempty"`
}

// SecondaryMeta holds best-effort supplementary data fetched on a separate,
// lower priority path.
type SecondaryMeta struct {
	Images    json.RawMessage `json:"images,omitempty"`
	Friends   json.RawMessage `json:"friends,omitempty"`
	Guestbook json.RawMessage `json:"guestbook,omitempty"`
	FetchedAt int64           `json:"fetchedAt"`
}

// ProfileRecord is the canonical cached unit.
type ProfileRecord struct {
	Identity      string            `json:"identity"`
	Name          string            `json:"name"`
	Payload       Payload           `json:"payload"`
	FirstSeen     int64             `json:"firstSeen"`
	LastFetched   int64             `json:"lastFetched"`
	Derived       DerivedAttributes `json:"derived"`
	SecondaryMeta *SecondaryMeta    `json:"secondaryMeta,omitempty"`
}

// Merge folds an existing record into r, which holds freshly fetched data.
// FirstSeen is preserved, and so is SecondaryMeta unless r carries a new one.
func (r *ProfileRecord) Merge(existing *ProfileRecord) {
	if existing != nil {
		if existing.FirstSeen > 0 && (r.FirstSeen == 0 || existing.FirstSeen < r.FirstSeen) {
			r.FirstSeen = existing.FirstSeen
		}
		if r.SecondaryMeta == nil {
			r.SecondaryMeta = existing.SecondaryMeta
		}
	}
	if r.FirstSeen == 0 {
		r.FirstSeen = r.LastFetched
	}
	if r.LastFetched < r.FirstSeen {
		r.LastFetched = r.FirstSeen
	}
}

// Clone returns a deep enough copy that callers may mutate top-level fields.
func (r *ProfileRecord) Clone() *ProfileRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.SecondaryMeta != nil {
		meta := *r.SecondaryMeta
		c.SecondaryMeta = &meta
	}
	return &c
}

// OverrideRecord is a small per-identity patch applied on top of a profile.
type OverrideRecord struct {
	Identity    string  `json:"identity"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
	Gender      *string `json:"gender,omitempty"`
	LastFetched int64   `json:"lastFetched"`
}

// OverridePatch carries the fields to change. Nil fields are left untouched.
type OverridePatch struct {
	AvatarURL *string `json:"avatarUrl,omitempty"`
	Gender    *string `json:"gender,omitempty"`
}

// Apply merges patch into o field by field and reports whether anything changed.
func (o *OverrideRecord) Apply(patch OverridePatch) bool {
	changed := false
	if patch.AvatarURL != nil && !equalPtr(o.AvatarURL, patch.AvatarURL) {
		v := *patch.AvatarURL
		o.AvatarURL = &v
		changed = true
	}
	if patch.Gender != nil && !equalPtr(o.Gender, patch.Gender) {
		v := *patch.Gender
		o.Gender = &v
		changed = true
	}
	return changed
}

// Equal compares the override fields, ignoring LastFetched.
func (o *OverrideRecord) Equal(other *OverrideRecord) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.Identity == other.Identity &&
		equalPtr(o.AvatarURL, other.AvatarURL) &&
		equalPtr(o.Gender, other.Gender)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// EqualPayload reports whether two payloads are byte-identical after compaction.
func EqualPayload(a, b Payload) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// Match is the external scorer's verdict attached to a record update.
type Match struct {
	Score    float64 `json:"score"`
	Filtered bool    `json:"filtered"`
}
