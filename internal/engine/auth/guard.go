package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"concord/internal/repo"
)

// LastHolderError blocks a revocation that would leave Permission with no holder.
type LastHolderError struct {
	Permission string
	Holders    int
}

func (e LastHolderError) Error() string {
	return fmt.Sprintf("revocation would leave no holder of critical permission %s", e.Permission)
}

// Guard protects the critical permission set from losing its last holder.
type Guard struct {
	Repo     repo.Repo
	Critical []string
}

// CheckRevocation must run in the same transaction as the delete it guards.
// Codes are checked in sorted order so the reported code is stable.
// A count of one blocks even when that holder is not the agent losing the role.
func (g Guard) CheckRevocation(ctx context.Context, tx *sql.Tx, roleID string) error {
	codes, err := g.Repo.RolePermissions(ctx, tx, roleID)
	if err != nil {
		return fmt.Errorf("load role permissions: %w", err)
	}
	critical := lo.Intersect(codes, g.Critical)
	sort.Strings(critical)
	for _, code := range critical {
		n, err := g.Repo.CountPermissionHolders(ctx, tx, code)
		if err != nil {
			return fmt.Errorf("count holders of %s: %w", code, err)
		}
		if n <= 1 {
			return LastHolderError{Permission: code, Holders: n}
		}
	}
	return nil
}
