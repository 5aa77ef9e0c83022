package host

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict indicates the expected version did not match the stored one.
	ErrConflict = errors.New("storage: version conflict")
)

// Scope names the partition a namespace belongs to.
type Scope string

const (
	ScopeApp       Scope = "app"
	ScopeWorkspace Scope = "workspace"
)

// Namespace identifies a storage partition.
type Namespace struct {
	Scope       Scope
	WorkspaceID string
}

// AppNamespace returns the process-wide namespace.
func AppNamespace() Namespace { return Namespace{Scope: ScopeApp} }

// WorkspaceNamespace returns the namespace for a workspace, "default" when empty.
func WorkspaceNamespace(workspaceID string) Namespace {
	if workspaceID == "" {
		workspaceID = "default"
	}
	return Namespace{Scope: ScopeWorkspace, WorkspaceID: workspaceID}
}

func (n Namespace) String() string {
	if n.Scope == ScopeWorkspace {
		return string(n.Scope) + "/" + n.WorkspaceID
	}
	return string(n.Scope)
}

// Record is a stored value with its version token.
type Record struct {
	Value   []byte
	Version string
}

// Storage is a versioned key/value store. An empty expectedVersion skips the
// optimistic-concurrency check; otherwise a mismatch returns ErrConflict.
type Storage interface {
	Get(ctx context.Context, ns Namespace, key string) (Record, error)
	Set(ctx context.Context, ns Namespace, key string, value []byte, expectedVersion string) (string, error)
	Delete(ctx context.Context, ns Namespace, key string, expectedVersion string) error
}
