package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/semmy-space/gitauth/internal/auth"
	"github.com/semmy-space/gitauth/internal/config"
	"github.com/semmy-space/gitauth/internal/credential"
	"github.com/semmy-space/gitauth/internal/gitops"
	"github.com/semmy-space/gitauth/internal/output"
	"github.com/semmy-space/gitauth/internal/provider"
	"github.com/semmy-space/gitauth/internal/secrets"
	"github.com/semmy-space/gitauth/internal/vault"
)

// ServiceProvider lazily creates and caches the vault and the credential
// service. Commands that never touch the vault never unlock the key.
type ServiceProvider struct {
	cfg     *config.Config
	globals *Globals
	logger  *slog.Logger
	client  *http.Client

	vaultOnce sync.Once
	vault     *vault.Store
	vaultErr  error

	flowOnce sync.Once
	flow     *auth.Flow

	credsOnce sync.Once
	creds     *credential.Service
	credsErr  error
}

// NewServiceProvider creates a ServiceProvider with the given config.
func NewServiceProvider(cfg *config.Config, globals *Globals, logger *slog.Logger) *ServiceProvider {
	return &ServiceProvider{
		cfg:     cfg,
		globals: globals,
		logger:  logger,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// KeyOptions returns the key source settings: flags win over config.
func (sp *ServiceProvider) KeyOptions() secrets.Options {
	backend := sp.globals.KeyBackend
	if backend == "" {
		backend = sp.cfg.KeyBackend
	}
	return secrets.Options{
		Service:     config.AppName,
		Backend:     backend,
		FileDir:     config.StateDir(),
		Password:    os.Getenv(config.EnvVaultPassword),
		Interactive: sp.globals.Interactive(),
	}
}

// VaultPath returns the vault file location: flag, then config.
func (sp *ServiceProvider) VaultPath() string {
	if sp.globals.Vault != "" {
		return sp.globals.Vault
	}
	return sp.cfg.Vault()
}

// Vault returns the encrypted record store, creating it on first call.
func (sp *ServiceProvider) Vault() (*vault.Store, error) {
	sp.vaultOnce.Do(func() {
		cipher := secrets.NewCipher(secrets.SourceFor(sp.KeyOptions()))
		store, err := vault.New(sp.VaultPath(), cipher, vault.WithLogger(sp.logger))
		if err != nil {
			sp.vaultErr = &output.CLIError{
				ExitCode: output.ExitGeneral,
				Message:  fmt.Sprintf("Failed to open vault: %v", err),
				Err:      err,
			}
			return
		}
		sp.vault = store
	})
	return sp.vault, sp.vaultErr
}

// Flow returns the sign-in flow engine. One engine serves the whole
// process so concurrent sign-ins are rejected.
func (sp *ServiceProvider) Flow() *auth.Flow {
	sp.flowOnce.Do(func() {
		sp.flow = auth.NewFlow(
			auth.WithCallbackPort(sp.cfg.Port()),
			auth.WithCallbackTimeout(sp.cfg.Timeout()),
			auth.WithSkew(sp.cfg.Skew()),
			auth.WithHTTPClient(sp.client),
			auth.WithFlowLogger(sp.logger),
		)
	})
	return sp.flow
}

// Credentials returns the credential service, creating it on first call.
func (sp *ServiceProvider) Credentials() (*credential.Service, error) {
	sp.credsOnce.Do(func() {
		sp.creds, sp.credsErr = sp.newService(sp.Flow())
	})
	return sp.creds, sp.credsErr
}

// ManualCredentials returns a credential service whose sign-in asks for
// the pasted redirect URL instead of listening for it.
func (sp *ServiceProvider) ManualCredentials() (*credential.Service, error) {
	return sp.newService(manualFlow{sp.Flow()})
}

func (sp *ServiceProvider) newService(flow credential.Authenticator) (*credential.Service, error) {
	store, err := sp.Vault()
	if err != nil {
		return nil, err
	}

	refresher := auth.NewRefresher(store, sp.cfg,
		auth.WithRefreshSkew(sp.cfg.Skew()),
		auth.WithRefreshClient(sp.client),
		auth.WithRefreshLogger(sp.logger),
	)

	return credential.New(credential.Options{
		Store:     store,
		Providers: sp.cfg,
		Flow:      flow,
		Tokens:    refresher,
		Lister:    gitops.Lister{},
		Remotes:   gitops.Repos{},
		Whoami: func(ctx context.Context, desc provider.Descriptor, token string) (string, error) {
			return auth.Whoami(ctx, sp.client, desc, token)
		},
		Logger: sp.logger,
	}), nil
}

type manualFlow struct{ flow *auth.Flow }

func (m manualFlow) Login(ctx context.Context, desc provider.Descriptor) (*oauth2.Token, error) {
	return m.flow.ManualLogin(ctx, desc)
}
