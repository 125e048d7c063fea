package crmauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/readyscope/crm-audit/internal/credstore"
	"github.com/readyscope/crm-audit/internal/crmapi"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// AccountResolver maps a freshly issued access token to its provider account.
type AccountResolver interface {
	IntrospectToken(ctx context.Context, accessToken string) (crmapi.IntrospectionResult, error)
}

// InstallerConfig configures the OAuth install/callback flow.
type InstallerConfig struct {
	OAuth      *oauth2.Config
	Store      credstore.Store
	Resolver   AccountResolver
	HTTPClient *http.Client
}

// Installer performs the one-time authorization-code exchange and writes the
// initial credential record. Re-running the flow with a fresh code overwrites
// the existing record, so retries are harmless.
type Installer struct {
	oauth      *oauth2.Config
	store      credstore.Store
	resolver   AccountResolver
	httpClient *http.Client
	logger     *zap.Logger
}

// NewInstaller creates an install/callback flow handler.
func NewInstaller(cfg InstallerConfig, logger *zap.Logger) (*Installer, error) {
	if cfg.OAuth == nil {
		return nil, fmt.Errorf("oauth config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("account resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Installer{
		oauth:      cfg.OAuth,
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		httpClient: cfg.HTTPClient,
		logger:     logger,
	}, nil
}

// AuthCodeURL builds the provider authorization URL carrying the full
// configured scope list and redirect URI. It touches no token state.
func (i *Installer) AuthCodeURL() string {
	return i.oauth.AuthCodeURL("")
}

// HandleCallback exchanges the authorization code, resolves the installing
// account, and upserts the credential record. It returns the account id for
// the post-install redirect.
func (i *Installer) HandleCallback(ctx context.Context, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", ErrMissingAuthCode
	}

	token, err := i.oauth.Exchange(i.oauthContext(ctx), code)
	if err != nil {
		i.logger.Warn("authorization code exchange failed", zap.Error(err))
		return "", &CodeExchangeError{Body: providerErrorBody(err), Err: err}
	}

	introspection, err := i.resolver.IntrospectToken(ctx, token.AccessToken)
	if err != nil {
		return "", &AccountResolutionError{Err: err}
	}
	if introspection.Status != crmapi.StatusOK {
		return "", &AccountResolutionError{Body: introspection.ErrorBody}
	}
	accountID := strings.TrimSpace(introspection.AccountID)
	if accountID == "" {
		return "", &AccountResolutionError{Err: fmt.Errorf("provider returned an empty account id")}
	}

	record := credstore.Record{
		AccountID:    accountID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if err := i.store.Upsert(ctx, record); err != nil {
		return "", fmt.Errorf("persist credentials for account %q: %w", accountID, err)
	}

	i.logger.Info("crm app installed",
		zap.String("account_id", accountID),
		zap.Time("expires_at", record.ExpiresAt),
	)
	return accountID, nil
}

func (i *Installer) oauthContext(ctx context.Context) context.Context {
	if i.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, i.httpClient)
}
