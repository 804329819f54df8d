package auth

import (
	"errors"
	"testing"
)

func TestAllowClientOperations(t *testing.T) {
	for _, op := range []string{OpPipelineCreate, OpPipelineList, OpPipelineGet, OpPipelineDelete, OpRunCreate, OpRunList, OpRunGet, OpRunOutputGet} {
		if err := Allow("client", op); err != nil {
			t.Fatalf("client denied %s: %v", op, err)
		}
		var forbidden ForbiddenError
		if err := Allow("worker", op); !errors.As(err, &forbidden) {
			t.Fatalf("worker allowed %s", op)
		}
	}
}

func TestAllowWorkerOperations(t *testing.T) {
	for _, op := range []string{OpRunOutputSet, OpRunStateSet} {
		if err := Allow("worker", op); err != nil {
			t.Fatalf("worker denied %s: %v", op, err)
		}
		var forbidden ForbiddenError
		if err := Allow("client", op); !errors.As(err, &forbidden) {
			t.Fatalf("client allowed %s", op)
		}
		if forbidden.Operation != op || forbidden.Role != "client" {
			t.Fatalf("unexpected forbidden details: %+v", forbidden)
		}
	}
}

func TestAllowMissingRole(t *testing.T) {
	var unauth UnauthenticatedError
	if err := Allow("", OpPipelineList); !errors.As(err, &unauth) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestAllowUnknownRole(t *testing.T) {
	var forbidden ForbiddenError
	if err := Allow("admin", OpPipelineCreate); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
