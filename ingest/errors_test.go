package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestUserFacingMessage(t *testing.T) {
	for i, tc := range []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNoUser, msgSignedOut},
		{fmt.Errorf("resolving current user: %w", ErrNoUser), msgSignedOut},
		{WrapAuth(errors.New("token expired")), msgAuthFailed},
		{WrapQuota(errors.New("bucket quota exceeded")), msgQuota},
		{WrapPermission(errors.New("access denied")), msgPermission},
		{WrapNetwork(errors.New("connection reset by peer")), msgNetwork},
		{fmt.Errorf("storing photo bytes: %w", WrapNetwork(errors.New("reset"))), msgNetwork},
		{&net.DNSError{Err: "no such host", Name: "api.example.test"}, msgNetwork},
		{fmt.Errorf("request: %w", context.DeadlineExceeded), msgNetwork},
		{errors.New("something odd"), msgGeneric},
	} {
		if got := userFacingMessage(tc.err); got != tc.want {
			t.Errorf("Test %d (%v): expected %q, got %q", i, tc.err, tc.want, got)
		}
	}
}

func TestUserFacingMessageNamesSchemaColumn(t *testing.T) {
	err := fmt.Errorf("persisting photo row: %w", &SchemaError{
		Column: "foo",
		Err:    errors.New(`ERROR: column "foo" of relation "photos" does not exist (SQLSTATE 42703)`),
	})
	got := userFacingMessage(err)
	if !strings.Contains(got, `"foo"`) {
		t.Errorf("message must name the missing column, got %q", got)
	}
	if strings.Contains(got, "SQLSTATE") {
		t.Errorf("raw driver detail leaked into the user message: %q", got)
	}

	// an unparsed column still yields a schema-specific message
	got = userFacingMessage(&SchemaError{})
	if !strings.Contains(got, "Update the app") {
		t.Errorf("column-less schema error: got %q", got)
	}
}

func TestWrapClassSkipsNil(t *testing.T) {
	if err := WrapNetwork(nil); err != nil {
		t.Errorf("wrapping nil must stay nil, got %v", err)
	}
	if err := WrapAuth(nil); err != nil {
		t.Errorf("wrapping nil must stay nil, got %v", err)
	}
}

func TestBackendErrorUnwraps(t *testing.T) {
	cause := errors.New("root cause")
	err := fmt.Errorf("outer: %w", WrapQuota(cause))

	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatal("BackendError not found in chain")
	}
	if backendErr.Class != FailureQuota {
		t.Errorf("expected %v, got %v", FailureQuota, backendErr.Class)
	}
}

func TestFailureClassString(t *testing.T) {
	for class, want := range map[FailureClass]string{
		FailureUnknown:    "unknown",
		FailureAuth:       "auth",
		FailureQuota:      "quota",
		FailurePermission: "permission",
		FailureNetwork:    "network",
	} {
		if got := class.String(); got != want {
			t.Errorf("%d: expected %q, got %q", int(class), want, got)
		}
	}
}
