package auth

import "fmt"

// Operations a credential can be checked against. Every HTTP handler names
// exactly one of these before touching the ledger.
const (
	OpPipelineCreate = "pipeline.create"
	OpPipelineList   = "pipeline.list"
	OpPipelineGet    = "pipeline.get"
	OpPipelineDelete = "pipeline.delete"
	OpRunCreate      = "run.create"
	OpRunList        = "run.list"
	OpRunGet         = "run.get"
	OpRunOutputGet   = "run.output.get"
	OpRunOutputSet   = "run.output.set"
	OpRunStateSet    = "run.state.set"
)

// UnauthenticatedError indicates the request carried no usable credential.
type UnauthenticatedError struct{}

func (UnauthenticatedError) Error() string {
	return "authentication required"
}

// ForbiddenError indicates an authenticated caller whose role does not cover
// the operation.
type ForbiddenError struct {
	Operation string
	Role      string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not perform %s", e.Role, e.Operation)
}

// policy maps each operation to the roles allowed to perform it.
var policy = map[string][]string{
	OpPipelineCreate: {"client"},
	OpPipelineList:   {"client"},
	OpPipelineGet:    {"client"},
	OpPipelineDelete: {"client"},
	OpRunCreate:      {"client"},
	OpRunList:        {"client"},
	OpRunGet:         {"client"},
	OpRunOutputGet:   {"client"},
	OpRunOutputSet:   {"worker"},
	OpRunStateSet:    {"worker"},
}

// Allow checks role against the policy table. An empty role means the caller
// never authenticated.
func Allow(role, operation string) error {
	if role == "" {
		return UnauthenticatedError{}
	}
	for _, allowed := range policy[operation] {
		if role == allowed {
			return nil
		}
	}
	return ForbiddenError{Operation: operation, Role: role}
}
