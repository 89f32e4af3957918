// Package delivery sends rendered notifications to recipients over email
// and SMS and classifies failures as permanent or transient.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/albapepper/subwatch/internal/domain"
)

// Content is a rendered notification.
type Content struct {
	Subject string
	Body    string // email body
	Short   string // SMS text
}

// Notifier delivers one notification to one recipient.
type Notifier interface {
	Send(ctx context.Context, to domain.User, kind domain.AlertKind, c Content) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, to domain.User, kind domain.AlertKind, c Content) error

// Send calls f.
func (f NotifierFunc) Send(ctx context.Context, to domain.User, kind domain.AlertKind, c Content) error {
	return f(ctx, to, kind, c)
}

// DeliveryError is a failed channel send. Permanent failures (bad address,
// rejected recipient) must not be retried; everything else may be.
type DeliveryError struct {
	Channel   string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Channel, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable failure on channel.
func Permanent(channel string, err error) error {
	return &DeliveryError{Channel: channel, Permanent: true, Err: err}
}

// Transient wraps err as a retryable failure on channel.
func Transient(channel string, err error) error {
	return &DeliveryError{Channel: channel, Err: err}
}

// IsPermanent reports whether err carries a permanent DeliveryError.
// Errors that are not DeliveryErrors, including timeouts, are transient.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
