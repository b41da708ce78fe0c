package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/internal/store"
	"github.com/branchbox/branchbox/pkg/types"
)

// ErrQuotaExceeded marks limit errors so transports can distinguish "over
// quota, retry later" from plain permission denials. Wrap it, match it with
// errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaPolicy decides whether a user may create one more branch in a
// repository. A limit of zero or below means unlimited.
type QuotaPolicy interface {
	Allow(ctx context.Context, userID, repositoryID int64, limit int) error
}

// EventCountQuota enforces branch limits by counting branch_created events
// per (user, repository). Branches are never deleted from the mirror, so the
// event count is the branch count.
type EventCountQuota struct {
	Counter store.EventCounter
}

func (q *EventCountQuota) Allow(ctx context.Context, userID, repositoryID int64, limit int) error {
	if limit <= 0 {
		return nil
	}
	n, err := q.Counter.CountEvents(ctx, types.EventQuery{
		UserID:       userID,
		RepositoryID: repositoryID,
		Types:        []string{types.EventBranchCreated},
	})
	if err != nil {
		return fmt.Errorf("count branches: %w", err)
	}
	if n >= int64(limit) {
		return &apperr.Error{
			Kind: apperr.KindPermissionDenied,
			Msg:  fmt.Sprintf("branch limit %d reached for repository %d", limit, repositoryID),
			Err:  ErrQuotaExceeded,
		}
	}
	return nil
}
