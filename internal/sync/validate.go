package sync

import (
	"fmt"
	"strings"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// ValidateAccounts checks the account list before any session starts.
// Every problem is a *source.ConfigError.
func ValidateAccounts(accounts []model.AccountConfig) error {
	if len(accounts) == 0 {
		return &source.ConfigError{Field: "accounts", Message: "no accounts configured"}
	}

	seen := make(map[string]bool, len(accounts))
	for i, a := range accounts {
		field := func(name string) string {
			return fmt.Sprintf("accounts[%d].%s", i, name)
		}

		if strings.TrimSpace(a.ID) == "" {
			return &source.ConfigError{Field: field("id"), Message: "is required"}
		}
		if seen[a.ID] {
			return &source.ConfigError{Field: field("id"), Message: fmt.Sprintf("duplicate account id %q", a.ID)}
		}
		seen[a.ID] = true

		switch {
		case strings.TrimSpace(a.Host) == "":
			return &source.ConfigError{Field: field("host"), Message: "is required"}
		case a.Port <= 0 || a.Port > 65535:
			return &source.ConfigError{Field: field("port"), Message: fmt.Sprintf("invalid port %d", a.Port)}
		case a.Username == "":
			return &source.ConfigError{Field: field("username"), Message: "is required"}
		case a.Password == "":
			return &source.ConfigError{Field: field("password"), Message: "is required"}
		}

		for j, folder := range a.Folders {
			if strings.TrimSpace(folder) == "" {
				return &source.ConfigError{Field: field(fmt.Sprintf("folders[%d]", j)), Message: "empty folder name"}
			}
		}
	}
	return nil
}
