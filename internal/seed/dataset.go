package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

// Dataset is the import file layout.
//
//	{
//	  "users": [{"id": "u1", "name": "Alice", "email": "a@example.com", "phone": "+1555..."}],
//	  "subscriptions": [{"id": "s1", "user_id": "u1", "name": "Netflix", "amount": "15.49",
//	                     "billing_cycle": "MONTHLY", "renewal_date": "2025-04-12",
//	                     "trial": false, "auto_renewal": true, "shared_with": "u2;u3"}]
//	}
type Dataset struct {
	Users         []UserRow         `json:"users"`
	Subscriptions []SubscriptionRow `json:"subscriptions"`
}

// UserRow is one user entry.
type UserRow struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// SubscriptionRow is one subscription entry. SharedWith takes the
// semicolon-separated form.
type SubscriptionRow struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	Amount       decimal.Decimal `json:"amount"`
	BillingCycle string          `json:"billing_cycle"`
	RenewalDate  calendar.Date   `json:"renewal_date"`
	Trial        bool            `json:"trial"`
	AutoRenewal  bool            `json:"auto_renewal"`
	SharedWith   string          `json:"shared_with"`
}

// Upserter is the store side of an import.
type Upserter interface {
	UpsertUser(ctx context.Context, u domain.User) error
	UpsertSubscription(ctx context.Context, sub domain.Subscription) error
}

// Load decodes a dataset. Unknown fields are rejected so typos surface.
func Load(r io.Reader) (Dataset, error) {
	var ds Dataset
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ds); err != nil {
		return Dataset{}, fmt.Errorf("decode dataset: %w", err)
	}
	return ds, nil
}

// toDomain validates a row.
func (row SubscriptionRow) toDomain() (domain.Subscription, error) {
	if strings.TrimSpace(row.ID) == "" || strings.TrimSpace(row.UserID) == "" {
		return domain.Subscription{}, fmt.Errorf("id and user_id are required")
	}
	cycle, err := domain.ParseBillingCycle(row.BillingCycle)
	if err != nil {
		return domain.Subscription{}, err
	}
	if row.RenewalDate.IsZero() {
		return domain.Subscription{}, fmt.Errorf("renewal_date is required")
	}
	if row.Amount.IsNegative() {
		return domain.Subscription{}, fmt.Errorf("amount %s is negative", row.Amount)
	}
	return domain.Subscription{
		ID:           row.ID,
		UserID:       row.UserID,
		Name:         row.Name,
		Amount:       row.Amount,
		BillingCycle: cycle,
		RenewalDate:  row.RenewalDate,
		Trial:        row.Trial,
		AutoRenewal:  row.AutoRenewal,
		SharedWith:   domain.ParseSharedWith(row.SharedWith),
	}, nil
}

// Import upserts users first, then subscriptions. Invalid rows are skipped
// and reported; store errors are collected and the import continues.
func Import(ctx context.Context, store Upserter, ds Dataset, logger *slog.Logger) ImportResult {
	var result ImportResult

	logger.Info("Importing users...", "count", len(ds.Users))
	for _, u := range ds.Users {
		if strings.TrimSpace(u.ID) == "" {
			result.Skipped++
			result.AddErrorf("user without id")
			continue
		}
		if err := store.UpsertUser(ctx, domain.User{ID: u.ID, Name: u.Name, Email: u.Email, Phone: u.Phone}); err != nil {
			result.AddErrorf("upsert user %s: %v", u.ID, err)
		} else {
			result.UsersUpserted++
		}
	}
	logger.Info("Users done", "count", result.UsersUpserted)

	logger.Info("Importing subscriptions...", "count", len(ds.Subscriptions))
	for _, row := range ds.Subscriptions {
		if err := ctx.Err(); err != nil {
			result.AddErrorf("import interrupted: %v", err)
			break
		}
		sub, err := row.toDomain()
		if err != nil {
			result.Skipped++
			result.AddErrorf("subscription %q: %v", row.ID, err)
			continue
		}
		if err := store.UpsertSubscription(ctx, sub); err != nil {
			result.AddErrorf("upsert subscription %s: %v", sub.ID, err)
		} else {
			result.SubscriptionsUpserted++
		}
	}
	logger.Info("Subscriptions done", "count", result.SubscriptionsUpserted)

	logger.Info("Import complete", "summary", result.Summary())
	return result
}
