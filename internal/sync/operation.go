package sync

import "fmt"

// Operation is the closed set of sync operations accepted by the engine.
// Dispatch is on the variant, never on raw strings from the wire.
type Operation string

const (
	// OperationSync is the general create-or-update reconciliation
	OperationSync Operation = "sync"

	// OperationCreate forces eligibility but still honors an existing remote
	// linkage: a record with a remote object id is updated, never re-created
	OperationCreate Operation = "create"

	// OperationUpdate patches the existing remote object; it is terminal when
	// no remote linkage exists
	OperationUpdate Operation = "update"

	// OperationDisable clears accountEnabled on the remote object; a missing
	// linkage makes it an already-satisfied no-op
	OperationDisable Operation = "disable"

	// OperationDeleteLink removes the remote object and clears the local
	// linkage, so the record is treated as new on its next sync
	OperationDeleteLink Operation = "delete_link"
)

// ParseOperation validates a wire-level operation name
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OperationSync, OperationCreate, OperationUpdate, OperationDisable, OperationDeleteLink:
		return Operation(s), nil
	default:
		return "", fmt.Errorf("invalid operation %q: must be one of sync, create, update, disable, delete_link", s)
	}
}
