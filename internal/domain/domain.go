// Package domain holds the subscription, user and notification-history types
// shared by the engine, the dispatcher and the store adapters.
package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/albapepper/subwatch/internal/calendar"
)

// --------------------------------------------------------------------------
// Sentinel errors
// --------------------------------------------------------------------------

var (
	// ErrAlreadyNotified means a reservation or record exists for the dedup key.
	ErrAlreadyNotified = errors.New("already notified")
	// ErrRenewalConflict means the expected prior renewal date no longer matches.
	ErrRenewalConflict = errors.New("renewal date changed concurrently")
	// ErrClaimLost means a pending reservation was taken over after its lease expired.
	ErrClaimLost = errors.New("reservation claim lost")
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

// --------------------------------------------------------------------------
// Billing cycle
// --------------------------------------------------------------------------

// BillingCycle is how often a subscription renews.
type BillingCycle string

const (
	Weekly  BillingCycle = "WEEKLY"
	Monthly BillingCycle = "MONTHLY"
	Yearly  BillingCycle = "YEARLY"
)

// ParseBillingCycle accepts any casing of WEEKLY, MONTHLY or YEARLY.
func ParseBillingCycle(s string) (BillingCycle, error) {
	switch c := BillingCycle(strings.ToUpper(strings.TrimSpace(s))); c {
	case Weekly, Monthly, Yearly:
		return c, nil
	default:
		return "", fmt.Errorf("unknown billing cycle %q", s)
	}
}

// --------------------------------------------------------------------------
// Subscription & user
// --------------------------------------------------------------------------

// Subscription is a recurring charge owned by one user and optionally shared.
type Subscription struct {
	ID           string
	UserID       string
	Name         string
	Amount       decimal.Decimal
	BillingCycle BillingCycle
	RenewalDate  calendar.Date
	Trial        bool
	AutoRenewal  bool
	SharedWith   []string
	// LastRenewedOn is the day the renewal date was last advanced by a run.
	// Zero when never advanced.
	LastRenewedOn calendar.Date
}

// RecipientIDs returns the owner followed by the shared users, deduplicated.
func (s Subscription) RecipientIDs() []string {
	ids := make([]string, 0, 1+len(s.SharedWith))
	seen := make(map[string]struct{}, 1+len(s.SharedWith))
	for _, id := range append([]string{s.UserID}, s.SharedWith...) {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// ParseSharedWith splits the semicolon-separated shared_with column.
func ParseSharedWith(s string) []string {
	var ids []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// FormatSharedWith is the inverse of ParseSharedWith.
func FormatSharedWith(ids []string) string {
	return strings.Join(ids, ";")
}

// User is a notification recipient.
type User struct {
	ID    string
	Name  string
	Email string
	Phone string // optional
}
