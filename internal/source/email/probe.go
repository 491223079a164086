package email

import (
	"context"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Probe verifies an account by connecting, authenticating and selecting
// every watched folder read-only. It returns the folder statuses on
// success.
func Probe(
	ctx context.Context, dialer source.Dialer, account model.AccountConfig,
) ([]source.FolderStatus, error) {
	conn, err := dialer.Dial(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("validating account %s: %w", account.ID, err)
	}
	defer conn.Close()

	if err := conn.Login(ctx); err != nil {
		return nil, fmt.Errorf("validating account %s: %w", account.ID, err)
	}

	folders := account.WatchedFolders()
	statuses := make([]source.FolderStatus, 0, len(folders))
	for _, folder := range folders {
		status, err := conn.Select(ctx, folder)
		if err != nil {
			return nil, fmt.Errorf("selecting %s: %w", folder, err)
		}
		statuses = append(statuses, status)
	}

	return statuses, nil
}
