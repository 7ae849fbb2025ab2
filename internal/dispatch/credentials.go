package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow/internal/adapter"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/rs/zerolog/log"
)

type Accounts interface {
	GetByID(ctx context.Context, id int64) (*models.SocialAccount, error)
	SetToken(ctx context.Context, id int64, oldAccessToken string, sa *models.SocialAccount) error
	MarkReauthRequired(ctx context.Context, id int64) error
}

// Credentials unseals stored tokens and refreshes them through the platform
// adapter when they are about to expire.
type Credentials struct {
	accounts Accounts
	key      []byte
	skew     time.Duration
	now      func() time.Time
}

func NewCredentials(accounts Accounts, secretKey string, skew time.Duration) *Credentials {
	return &Credentials{accounts: accounts, key: []byte(secretKey), skew: skew, now: time.Now}
}

// Resolve returns usable tokens for acc, refreshing first when they expire within the skew.
func (c *Credentials) Resolve(ctx context.Context, acc *models.SocialAccount, a adapter.Adapter) (adapter.Credential, error) {
	if acc.AccountStatus == models.AccountReauthRequired {
		return adapter.Credential{}, &failure.Error{Kind: failure.AuthExpired, Platform: acc.Platform, Message: "account was disconnected"}
	}
	if acc.ExpiresWithin(c.skew, c.now()) {
		return c.Refresh(ctx, acc, a)
	}
	return c.unseal(acc)
}

// Refresh exchanges the stored refresh token for new tokens and persists them.
// Any failure other than a transient one marks the account for re-authentication.
func (c *Credentials) Refresh(ctx context.Context, acc *models.SocialAccount, a adapter.Adapter) (adapter.Credential, error) {
	logger := log.With().Int64("account_id", acc.ID).Str("platform", acc.Platform).Logger()

	current, err := c.unseal(acc)
	if err != nil {
		return adapter.Credential{}, err
	}

	fresh, err := a.RefreshCredential(ctx, current)
	if err != nil {
		if failure.Retryable(err) {
			return adapter.Credential{}, err
		}
		logger.Warn().Err(err).Msg("token refresh failed, account needs re-authentication")
		if merr := c.accounts.MarkReauthRequired(ctx, acc.ID); merr != nil {
			logger.Error().Err(merr).Msg("mark reauth required")
		}
		if failure.Is(err, failure.AuthExpired) {
			return adapter.Credential{}, err
		}
		return adapter.Credential{}, &failure.Error{Kind: failure.AuthExpired, Platform: acc.Platform, Message: failure.Message(err), Err: err}
	}

	sealed, err := c.seal(fresh)
	if err != nil {
		return adapter.Credential{}, err
	}
	if err := c.accounts.SetToken(ctx, acc.ID, acc.AccessToken, sealed); err != nil {
		// another worker may have refreshed first; prefer whatever is stored now
		stored, gerr := c.accounts.GetByID(ctx, acc.ID)
		if gerr != nil || stored == nil || stored.AccessToken == acc.AccessToken {
			logger.Warn().Err(err).Msg("could not persist refreshed token")
			return *fresh, nil
		}
		logger.Debug().Msg("token refreshed concurrently, using stored credential")
		return c.unseal(stored)
	}

	acc.AccessToken, acc.TokenExpiresAt = sealed.AccessToken, sealed.TokenExpiresAt
	if sealed.RefreshToken != "" {
		acc.RefreshToken = sealed.RefreshToken
	}
	acc.AccountStatus = models.AccountActive
	logger.Info().Time("expires_at", fresh.ExpiresAt).Msg("token refreshed")
	return *fresh, nil
}

func (c *Credentials) unseal(acc *models.SocialAccount) (adapter.Credential, error) {
	access, err := utils.Decrypt(acc.AccessToken, c.key)
	if err != nil {
		return adapter.Credential{}, failure.Wrap(failure.Internal, err, fmt.Sprintf("unseal access token of account %d", acc.ID))
	}
	cred := adapter.Credential{AccessToken: access, ExpiresAt: acc.TokenExpiresAt}
	if acc.RefreshToken != "" {
		refresh, err := utils.Decrypt(acc.RefreshToken, c.key)
		if err != nil {
			return adapter.Credential{}, failure.Wrap(failure.Internal, err, fmt.Sprintf("unseal refresh token of account %d", acc.ID))
		}
		cred.RefreshToken = refresh
	}
	return cred, nil
}

func (c *Credentials) seal(cred *adapter.Credential) (*models.SocialAccount, error) {
	access, err := utils.Encrypt([]byte(cred.AccessToken), c.key)
	if err != nil {
		return nil, failure.Wrap(failure.Internal, err, "seal access token")
	}
	sa := &models.SocialAccount{AccessToken: access, TokenExpiresAt: cred.ExpiresAt}
	if cred.RefreshToken != "" {
		if sa.RefreshToken, err = utils.Encrypt([]byte(cred.RefreshToken), c.key); err != nil {
			return nil, failure.Wrap(failure.Internal, err, "seal refresh token")
		}
	}
	return sa, nil
}
