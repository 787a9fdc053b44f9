// Package registry builds the live set of platform adapters from persisted
// account credentials. It is stateless: the engine asks for a fresh build
// every reconciliation cycle, so credential changes take effect on the next
// tick and no stale-token state survives between cycles.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/paydesk/backend/internal/models"
	"github.com/paydesk/backend/internal/platform"
	"github.com/paydesk/backend/internal/platform/binance"
	"github.com/paydesk/backend/internal/platform/noones"
	"github.com/paydesk/backend/internal/platform/paxful"
)

// AccountSource lists the enabled platform accounts.
type AccountSource interface {
	ListEnabled(ctx context.Context) ([]*models.PlatformAccount, error)
}

type Service struct {
	accounts AccountSource
	logger   *slog.Logger
}

func NewService(accounts AccountSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{accounts: accounts, logger: logger}
}

// BuildClients constructs one adapter per enabled account, grouped by
// platform type. Accounts with an unknown platform are logged and skipped
// rather than failing the whole build.
func (s *Service) BuildClients(ctx context.Context) (map[string][]platform.Client, error) {
	accounts, err := s.accounts.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list platform accounts: %w", err)
	}
	out := make(map[string][]platform.Client)
	for _, acc := range accounts {
		c, err := s.clientFor(acc)
		if err != nil {
			s.logger.Warn("skipping platform account", "account_id", acc.ID, "platform", acc.Platform, "error", err)
			continue
		}
		out[acc.Platform] = append(out[acc.Platform], c)
	}
	return out, nil
}

// ClientForAccount builds a single adapter, used by human actions that need
// to call the platform owning one specific trade.
func (s *Service) ClientForAccount(ctx context.Context, accountID uuid.UUID) (platform.Client, error) {
	accounts, err := s.accounts.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list platform accounts: %w", err)
	}
	for _, acc := range accounts {
		if acc.ID == accountID {
			return s.clientFor(acc)
		}
	}
	return nil, fmt.Errorf("no enabled platform account %s", accountID)
}

func (s *Service) clientFor(acc *models.PlatformAccount) (platform.Client, error) {
	switch acc.Platform {
	case platform.Paxful:
		return paxful.New(acc.ID, acc.APIKey, s.logger), nil
	case platform.Noones:
		return noones.New(acc.ID, acc.APIKey, s.logger), nil
	case platform.Binance:
		return binance.New(acc.ID, acc.APIKey, s.logger), nil
	}
	return nil, fmt.Errorf("unknown platform %q", acc.Platform)
}
