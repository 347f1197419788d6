// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// UserID identifies the authenticated user owning progression records.
// The identity provider is external, so only non-emptiness is checked.
type UserID string

// IsValid checks if the user ID is usable as a record key.
func (u UserID) IsValid() bool {
	return strings.TrimSpace(string(u)) != ""
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// NewUserID creates a new UserID with validation.
func NewUserID(id string) (UserID, error) {
	uid := UserID(strings.TrimSpace(id))
	if !uid.IsValid() {
		return "", ErrEmptyUserID
	}
	return uid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// XP Value Object (Experience Points)
// ═══════════════════════════════════════════════════════════════════════════

// XP represents experience points accumulated by a companion.
// XP only ever grows.
type XP int

const (
	// XP boundaries
	MinXP XP = 0
	MaxXP XP = 1000000000
)

// IsValid checks if the XP value is within valid range.
func (x XP) IsValid() bool {
	return x >= MinXP && x <= MaxXP
}

// Int returns the underlying int value.
func (x XP) Int() int {
	return int(x)
}

// Add adds a reward and returns the result, capped at MaxXP.
// Non-positive amounts leave the value unchanged.
func (x XP) Add(amount int) XP {
	if amount <= 0 {
		return x
	}
	result := XP(int(x) + amount)
	if result > MaxXP || result < x {
		return MaxXP
	}
	return result
}

// Max returns the larger of two XP values.
func (x XP) Max(other XP) XP {
	if other > x {
		return other
	}
	return x
}

// NewXP creates a new XP value with validation.
func NewXP(amount int) (XP, error) {
	if amount < int(MinXP) {
		return 0, NewDomainError("shared", "NewXP", ErrNegativeValue, "XP cannot be negative")
	}
	if amount > int(MaxXP) {
		return MaxXP, nil
	}
	return XP(amount), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Percentage Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Percentage is an integer in [0, 100].
type Percentage int

// PercentOf returns part/whole as a percentage clamped to [0, 100].
// A non-positive whole counts as done.
func PercentOf(part, whole int) Percentage {
	if whole <= 0 {
		return 100
	}
	if part <= 0 {
		return 0
	}
	p := part * 100 / whole
	if p > 100 {
		p = 100
	}
	return Percentage(p)
}

// Int returns the underlying int value.
func (p Percentage) Int() int {
	return int(p)
}

// ═══════════════════════════════════════════════════════════════════════════
// Clock
// ═══════════════════════════════════════════════════════════════════════════

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns wall-clock time.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

// Now implements Clock.
func (c FixedClock) Now() time.Time { return c.At }
