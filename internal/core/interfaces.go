package core

import (
	"context"

	"cartograph/internal/types"
)

// WorkspaceResolver is the slice of the workspace repository the middleware
// chain needs: locating a workspace by token prefix and metering API calls.
// *db.WorkspaceRepository satisfies it; tests substitute fakes.
type WorkspaceResolver interface {
	GetByAPITokenPrefix(ctx context.Context, prefix string) (*types.Workspace, error)
	IncrementAPICalls(ctx context.Context, workspaceID string) (int, error)
}
