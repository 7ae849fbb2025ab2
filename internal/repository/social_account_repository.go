package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/rs/zerolog/log"
)

// SocialAccountRepository reads accounts owned by the account service and
// writes back refreshed credentials.
type SocialAccountRepository interface {
	GetByID(ctx context.Context, id int64) (*models.SocialAccount, error)
	ListByIDs(ctx context.Context, userID int64, ids []int64) ([]*models.SocialAccount, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error)
	// SetToken swaps credentials only if the stored access token still equals oldAccessToken.
	SetToken(ctx context.Context, id int64, oldAccessToken string, sa *models.SocialAccount) error
	MarkReauthRequired(ctx context.Context, id int64) error
}

type socialAccountRepository struct {
	db *sql.DB
}

func NewSocialAccountRepository(db *sql.DB) SocialAccountRepository {
	return &socialAccountRepository{db: db}
}

const socialAccountColumns = `id, user_id, platform, account_id, account_name, account_username,
	access_token, refresh_token, token_expires_at, account_status, created_at, updated_at`

func scanSocialAccount(row rowScanner) (*models.SocialAccount, error) {
	var sa models.SocialAccount
	err := row.Scan(&sa.ID, &sa.UserID, &sa.Platform, &sa.AccountID, &sa.AccountName, &sa.AccountUsername,
		&sa.AccessToken, &sa.RefreshToken, &sa.TokenExpiresAt, &sa.AccountStatus, &sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

func (r *socialAccountRepository) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	sa, err := scanSocialAccount(r.db.QueryRowContext(ctx, `SELECT `+socialAccountColumns+` FROM social_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		log.Error().Err(err).Int64("account_id", id).Msg("get social account")
		return nil, err
	}
	return sa, nil
}

func (r *socialAccountRepository) ListByIDs(ctx context.Context, userID int64, ids []int64) ([]*models.SocialAccount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+socialAccountColumns+` FROM social_accounts
		WHERE user_id = $1 AND id = ANY($2)`, userID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (r *socialAccountRepository) ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+socialAccountColumns+` FROM social_accounts
		WHERE token_expires_at < $1 AND account_status = $2`, before, models.AccountActive)
	if err != nil {
		log.Error().Err(err).Msg("list expiring accounts")
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]*models.SocialAccount, error) {
	var accounts []*models.SocialAccount
	for rows.Next() {
		sa, err := scanSocialAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, sa)
	}
	return accounts, rows.Err()
}

func (r *socialAccountRepository) SetToken(ctx context.Context, id int64, oldAccessToken string, sa *models.SocialAccount) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE social_accounts
		SET
			access_token = COALESCE(NULLIF($3, ''), access_token),
			refresh_token = COALESCE(NULLIF($4, ''), refresh_token),
			token_expires_at = $5,
			account_status = $6,
			updated_at = NOW()
		WHERE id = $1 AND access_token = $2`,
		id, oldAccessToken, sa.AccessToken, sa.RefreshToken, sa.TokenExpiresAt, models.AccountActive)
	if err != nil {
		log.Error().Err(err).Int64("account_id", id).Msg("set token")
		return err
	}
	if err := expectOne(res, errors.New("token changed concurrently or account missing")); err != nil {
		return err
	}
	return nil
}

func (r *socialAccountRepository) MarkReauthRequired(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE social_accounts SET account_status = $2, updated_at = NOW() WHERE id = $1`,
		id, models.AccountReauthRequired)
	return err
}
