package models

import (
	"time"
)

const (
	AccountActive         = "active"
	AccountReauthRequired = "reauth_required"
)

// SocialAccount tokens are stored sealed with utils.Encrypt.
type SocialAccount struct {
	ID              int64     `db:"id" json:"id"`
	UserID          int64     `db:"user_id" json:"user_id"`
	Platform        string    `db:"platform" json:"platform"`
	AccountID       string    `db:"account_id" json:"account_id"`
	AccountName     string    `db:"account_name" json:"account_name"`
	AccountUsername string    `db:"account_username" json:"account_username"`
	AccessToken     string    `db:"access_token" json:"-"`
	RefreshToken    string    `db:"refresh_token" json:"-"`
	TokenExpiresAt  time.Time `db:"token_expires_at" json:"token_expires_at"`
	AccountStatus   string    `db:"account_status" json:"account_status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

func (a *SocialAccount) ExpiresWithin(d time.Duration, now time.Time) bool {
	if a.TokenExpiresAt.IsZero() {
		return false
	}
	return a.TokenExpiresAt.Before(now.Add(d))
}
