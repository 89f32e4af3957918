package domain

import (
	"fmt"
	"time"

	"github.com/albapepper/subwatch/internal/calendar"
)

// AlertKind is the category of a notification. The set is closed; every
// switch over it handles all four kinds.
type AlertKind int

const (
	TrialExpiry AlertKind = iota + 1
	RenewalReminder
	PaymentDue
	Expired
)

// AlertKinds lists every kind in declaration order.
var AlertKinds = []AlertKind{TrialExpiry, RenewalReminder, PaymentDue, Expired}

func (k AlertKind) String() string {
	switch k {
	case TrialExpiry:
		return "TRIAL_EXPIRY"
	case RenewalReminder:
		return "RENEWAL_REMINDER"
	case PaymentDue:
		return "PAYMENT_DUE"
	case Expired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("AlertKind(%d)", int(k))
	}
}

// ParseAlertKind maps a stored name back to its kind.
func ParseAlertKind(s string) (AlertKind, error) {
	for _, k := range AlertKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown alert kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k AlertKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// --------------------------------------------------------------------------
// History
// --------------------------------------------------------------------------

// DedupKey identifies at most one notification.
type DedupKey struct {
	SubscriptionID string
	RecipientID    string
	Kind           AlertKind
	Day            calendar.Date
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.SubscriptionID, k.RecipientID, k.Kind, k.Day)
}

// Reservation is a pending claim on a DedupKey returned by a successful
// TryReserve. Token distinguishes this claim from a later takeover.
type Reservation struct {
	Key   DedupKey
	Token string
}

// HistoryStatus is the state of a history row.
type HistoryStatus string

const (
	StatusPending HistoryStatus = "pending"
	StatusSent    HistoryStatus = "sent"
	StatusFailed  HistoryStatus = "failed"
)

// HistoryRecord is one row of the notification history.
type HistoryRecord struct {
	ID        string
	Key       DedupKey
	Status    HistoryStatus
	Error     string
	ClaimedAt time.Time
	UpdatedAt time.Time
}
