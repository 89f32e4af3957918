// Package seed loads users and subscriptions from a JSON dataset into the
// subscription store.
package seed

import "fmt"

// ImportResult tracks counts and errors from an import.
type ImportResult struct {
	UsersUpserted         int
	SubscriptionsUpserted int
	Skipped               int
	Errors                []string
}

// Add merges another ImportResult into this one.
func (r *ImportResult) Add(other ImportResult) {
	r.UsersUpserted += other.UsersUpserted
	r.SubscriptionsUpserted += other.SubscriptionsUpserted
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// AddErrorf records a formatted error message.
func (r *ImportResult) AddErrorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Summary returns a human-readable summary of the import.
func (r *ImportResult) Summary() string {
	return fmt.Sprintf(
		"users=%d subscriptions=%d skipped=%d errors=%d",
		r.UsersUpserted, r.SubscriptionsUpserted, r.Skipped, len(r.Errors),
	)
}
