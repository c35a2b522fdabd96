package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailsched-backend/internal/account/domain"

	"gorm.io/gorm"
)

// AccountRepository reads mail accounts and persists refreshed tokens
type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*domain.MailAccount, error)
	FindByUserID(ctx context.Context, userID string) ([]*domain.MailAccount, error)
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
}

// accountRepository implements AccountRepository using GORM
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new instance of accountRepository
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) FindByID(ctx context.Context, id string) (*domain.MailAccount, error) {
	var account domain.MailAccount
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) FindByUserID(ctx context.Context, userID string) ([]*domain.MailAccount, error) {
	var accounts []*domain.MailAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"token_expiry": expiry,
		"updated_at":   time.Now(),
	}
	// Google only returns a refresh token on the first exchange
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return r.db.WithContext(ctx).Model(&domain.MailAccount{}).Where("id = ?", id).Updates(updates).Error
}

// memoryAccountRepository keeps accounts in memory
type memoryAccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]domain.MailAccount
}

// NewMemoryAccountRepository creates an in-memory AccountRepository seeded with accounts
func NewMemoryAccountRepository(accounts ...*domain.MailAccount) AccountRepository {
	r := &memoryAccountRepository{accounts: make(map[string]domain.MailAccount)}
	for _, a := range accounts {
		r.accounts[a.ID] = *a
	}
	return r
}

func (r *memoryAccountRepository) FindByID(ctx context.Context, id string) (*domain.MailAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *memoryAccountRepository) FindByUserID(ctx context.Context, userID string) ([]*domain.MailAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.MailAccount
	for _, a := range r.accounts {
		if a.UserID == userID {
			acc := a
			out = append(out, &acc)
		}
	}
	return out, nil
}

func (r *memoryAccountRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return errors.New("account not found")
	}
	a.AccessToken = accessToken
	if refreshToken != "" {
		a.RefreshToken = refreshToken
	}
	a.TokenExpiry = &expiry
	a.UpdatedAt = time.Now()
	r.accounts[id] = a
	return nil
}
