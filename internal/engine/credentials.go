package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/m3usync/internal/providers"
	"github.com/desertthunder/m3usync/internal/repositories"
	"github.com/desertthunder/m3usync/internal/shared"
)

// refreshLeaseTTL bounds how long a crashed process can hold the refresh
// lease before another may reclaim it.
const refreshLeaseTTL = time.Minute

// RefreshGuard serializes credential refreshes across processes through the
// lease table, keyed per provider. Refresh tokens rotate on use with some
// providers, so two concurrent refreshes can invalidate each other.
type RefreshGuard struct {
	leases *repositories.LeaseRepository
	holder string
	logger *log.Logger
}

// NewRefreshGuard creates a guard with its own holder identity.
func NewRefreshGuard(leases *repositories.LeaseRepository, logger *log.Logger) *RefreshGuard {
	return &RefreshGuard{
		leases: leases,
		holder: shared.GenerateID(),
		logger: logger,
	}
}

// refreshKey is the lease key used for a provider's credential refresh.
func refreshKey(provider string) string {
	return "credential:" + provider
}

// Refresh runs the provider's credential refresh under the per-provider
// lease. When another process holds the lease the call waits briefly for it
// to finish; if the lease stays busy it returns [shared.ErrRefreshBusy] and
// the caller's events stay unsynced for the next cycle.
func (g *RefreshGuard) Refresh(ctx context.Context, p providers.Provider) error {
	key := refreshKey(p.Name())

	acquired := false
	for attempt := 0; attempt < 5; attempt++ {
		ok, err := g.leases.Acquire(key, g.holder, refreshLeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire refresh lease: %w", err)
		}
		if ok {
			acquired = true
			break
		}

		g.logger.Debug("refresh lease busy, waiting", "provider", p.Name())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	if !acquired {
		return fmt.Errorf("provider %s: %w", p.Name(), shared.ErrRefreshBusy)
	}

	defer func() {
		if err := g.leases.Release(key, g.holder); err != nil {
			g.logger.Warn("failed to release refresh lease", "provider", p.Name(), "error", err)
		}
	}()

	if err := p.RefreshCredentials(ctx); err != nil {
		return err
	}

	g.logger.Info("refreshed credentials", "provider", p.Name())
	return nil
}
