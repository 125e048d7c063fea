package crmauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/readyscope/crm-audit/internal/config"
	"github.com/readyscope/crm-audit/internal/credstore"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const defaultExpirySkew = time.Minute

// NewOAuthConfig builds the provider oauth2.Config from application config.
func NewOAuthConfig(cfg config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI(),
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}
}

// ManagerConfig configures the token lifecycle manager.
type ManagerConfig struct {
	OAuth      *oauth2.Config
	Store      credstore.Store
	HTTPClient *http.Client
	ExpirySkew time.Duration
	Now        func() time.Time
	// OnRefresh, when set, observes the outcome of every refresh attempt.
	OnRefresh func(success bool)
}

// Manager owns the credential record lifecycle: it hands out valid access
// tokens, refreshing and persisting them when they expire. No other component
// reads or writes credential records.
type Manager struct {
	oauth      *oauth2.Config
	store      credstore.Store
	httpClient *http.Client
	skew       time.Duration
	now        func() time.Time
	onRefresh  func(success bool)
	logger     *zap.Logger

	mu           sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// NewManager creates a token lifecycle manager.
func NewManager(cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if cfg.OAuth == nil {
		return nil, fmt.Errorf("oauth config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = defaultExpirySkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		oauth:        cfg.OAuth,
		store:        cfg.Store,
		httpClient:   cfg.HTTPClient,
		skew:         cfg.ExpirySkew,
		now:          cfg.Now,
		onRefresh:    cfg.OnRefresh,
		logger:       logger,
		accountLocks: make(map[string]*sync.Mutex),
	}, nil
}

// AccessToken returns a valid access token for the account, refreshing the
// stored credentials when they have expired. A missing credential record
// fails with ErrInstallationMissing and performs no network call.
func (m *Manager) AccessToken(ctx context.Context, accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", fmt.Errorf("account id is required")
	}

	record, err := m.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return "", ErrInstallationMissing
		}
		return "", fmt.Errorf("load credential record for account %q: %w", accountID, err)
	}
	if m.tokenValid(record) {
		return record.AccessToken, nil
	}

	// Refreshes for one account are serialized so concurrent expired-token
	// requests do not race each other to the provider and to storage.
	lock := m.lockForAccount(accountID)
	lock.Lock()
	defer lock.Unlock()

	record, err = m.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return "", ErrInstallationMissing
		}
		return "", fmt.Errorf("load credential record for account %q: %w", accountID, err)
	}
	if m.tokenValid(record) {
		// A concurrent caller already refreshed while we waited on the lock.
		return record.AccessToken, nil
	}

	return m.refresh(ctx, record)
}

func (m *Manager) refresh(ctx context.Context, record credstore.Record) (string, error) {
	source := m.oauth.TokenSource(m.oauthContext(ctx), &oauth2.Token{
		RefreshToken: record.RefreshToken,
	})

	token, err := source.Token()
	if m.onRefresh != nil {
		m.onRefresh(err == nil)
	}
	if err != nil {
		m.logger.Warn("token refresh failed",
			zap.String("account_id", record.AccountID),
			zap.Error(err),
		)
		return "", &RefreshError{Body: providerErrorBody(err), Err: err}
	}

	updated := credstore.Record{
		AccountID:    record.AccountID,
		AccessToken:  token.AccessToken,
		RefreshToken: record.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	// The provider only occasionally rotates refresh tokens.
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}

	if err := m.store.Upsert(ctx, updated); err != nil {
		return "", fmt.Errorf("persist refreshed credentials for account %q: %w", record.AccountID, err)
	}

	m.logger.Debug("access token refreshed",
		zap.String("account_id", record.AccountID),
		zap.Time("expires_at", updated.ExpiresAt),
	)
	return updated.AccessToken, nil
}

func (m *Manager) tokenValid(record credstore.Record) bool {
	if record.AccessToken == "" || record.ExpiresAt.IsZero() {
		return false
	}
	return m.now().Add(m.skew).Before(record.ExpiresAt)
}

func (m *Manager) lockForAccount(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.accountLocks[accountID] = lock
	}
	return lock
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}
