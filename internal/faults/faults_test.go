package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/jackc/pgx/v5/pgconn"
)

// storeStatusErr builds the error shape the object-store SDK returns
// for an HTTP-level failure, wrapped the way the storage layer wraps it.
func storeStatusErr(code int) error {
	opErr := &smithy.OperationError{
		ServiceID:     "S3",
		OperationName: "PutObject",
		Err: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}},
			Err:      fmt.Errorf("http response error StatusCode: %d", code),
		},
	}
	return fmt.Errorf("store object: %w", opErr)
}

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "i/o timeout" }
func (fakeNetErr) Timeout() bool   { return true }
func (fakeNetErr) Temporary() bool { return true }

var _ net.Error = fakeNetErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Permanent},
		{"plain_error", errors.New("bad header"), Permanent},
		{"pg_connection_failure", &pgconn.PgError{Code: "08006"}, Transient},
		{"pg_cannot_connect", &pgconn.PgError{Code: "57P03"}, Transient},
		{"pg_unique_violation", &pgconn.PgError{Code: "23505"}, Permanent},
		{"net_error", fakeNetErr{}, Transient},
		{"conn_refused", syscall.ECONNREFUSED, Transient},
		{"conn_reset", fmt.Errorf("put object: %w", syscall.ECONNRESET), Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"wrapped_pg", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "08003"}), Transient},
		{"store_503", storeStatusErr(503), Transient},
		{"store_502", storeStatusErr(502), Transient},
		{"store_429", storeStatusErr(429), Transient},
		{"store_404", storeStatusErr(404), Permanent},
		{"store_403", storeStatusErr(403), Permanent},
		{"marked_transient", MarkTransient(errors.New("broker flapping")), Transient},
		{"marked_permanent", MarkPermanent(fakeNetErr{}), Permanent},
		{"permanentf", Permanentf("count mismatch: %d != %d", 2, 3), Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Error("IsTransient(nil) = true, want false")
	}
	if !IsTransient(&net.OpError{Op: "dial", Err: &timeoutErr{}}) {
		t.Error("dial error should be transient")
	}
}

type timeoutErr struct{}

func (*timeoutErr) Error() string { return "timeout" }
func (*timeoutErr) Timeout() bool { return true }
