package job

import (
	"context"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/adapter"
	"github.com/maheshrc27/postflow/internal/lock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/rs/zerolog/log"
)

const refreshLockKey = "sweep:token-refresh"

type ExpiringAccounts interface {
	ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error)
}

type Refresher interface {
	Refresh(ctx context.Context, acc *models.SocialAccount, a adapter.Adapter) (adapter.Credential, error)
}

// TokenRefreshJob refreshes credentials ahead of expiry so publishes rarely
// have to do it inline.
type TokenRefreshJob struct {
	sr       ExpiringAccounts
	registry *adapter.Registry
	creds    Refresher
	locker   lock.Locker
	window   time.Duration
	lockTTL  time.Duration
}

func NewTokenRefreshJob(sr ExpiringAccounts, registry *adapter.Registry, creds Refresher, locker lock.Locker, lockTTL time.Duration) *TokenRefreshJob {
	return &TokenRefreshJob{
		sr:       sr,
		registry: registry,
		creds:    creds,
		locker:   locker,
		window:   30 * time.Minute,
		lockTTL:  lockTTL,
	}
}

func (c *TokenRefreshJob) RefreshTokens() {
	ctx := context.Background()
	if _, err := lock.Run(ctx, c.locker, refreshLockKey, c.lockTTL, c.refresh); err != nil {
		log.Error().Err(err).Msg("token refresh sweep failed")
	}
}

func (c *TokenRefreshJob) refresh(ctx context.Context) error {
	accounts, err := c.sr.ListExpiring(ctx, time.Now().Add(c.window))
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	concurrencyLimit := 10
	semaphore := make(chan struct{}, concurrencyLimit)

	for _, acc := range accounts {
		a, err := c.registry.Get(acc.Platform)
		if err != nil {
			log.Warn().Int64("account_id", acc.ID).Str("platform", acc.Platform).Msg("no adapter for account")
			continue
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.SocialAccount, a adapter.Adapter) {
			defer wg.Done()
			defer func() { <-semaphore }()

			// Refresh logs the outcome and flags the account on permanent failure
			if _, err := c.creds.Refresh(ctx, acc, a); err != nil {
				log.Debug().Err(err).Int64("account_id", acc.ID).Msg("refresh skipped")
			}
		}(acc, a)
	}
	wg.Wait()
	return nil
}
