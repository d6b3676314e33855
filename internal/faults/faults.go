// Package faults classifies processing errors into transient and
// permanent kinds. Consumers use the classification to decide between
// nack-with-requeue (transient) and nack-without-requeue (permanent).
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Kind is the recovery category of an error.
type Kind int

const (
	// Permanent errors will fail identically on redelivery: parse
	// failures, validation failures, count mismatches.
	Permanent Kind = iota
	// Transient errors are connectivity-shaped and worth a retry.
	Transient
)

// Postgres SQLSTATE codes that indicate a connection-level failure
// rather than a statement-level one.
var transientPgCodes = map[string]bool{
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P03": true, // cannot_connect_now
}

type classified struct {
	err  error
	kind Kind
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// MarkTransient wraps err so Classify reports it as transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, kind: Transient}
}

// MarkPermanent wraps err so Classify reports it as permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, kind: Permanent}
}

// Permanentf builds a permanently classified error.
func Permanentf(format string, args ...any) error {
	return MarkPermanent(fmt.Errorf(format, args...))
}

// Classify returns the recovery kind for err. Unknown errors are
// permanent: requeueing an error we cannot explain just loops the
// message through the broker.
func Classify(err error) Kind {
	if err == nil {
		return Permanent
	}

	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientPgCodes[pgErr.Code] {
		return Transient
	}
	if pgconn.Timeout(err) {
		return Transient
	}

	// Object-store responses: the aws-sdk and smithy ResponseError types
	// both expose the status code through this interface. 5xx and 429
	// indicate overload, not a bad request.
	var httpErr interface{ HTTPStatusCode() int }
	if errors.As(err, &httpErr) {
		if code := httpErr.HTTPStatusCode(); code >= 500 || code == 429 {
			return Transient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, amqp.ErrClosed) {
		return Transient
	}

	return Permanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}
