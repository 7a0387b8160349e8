package forgeapi

import (
	"context"
	"errors"
	"time"

	"github.com/forge-run/forge/internal/config"
	"github.com/forge-run/forge/internal/forgeerr"
	"github.com/forge-run/forge/internal/retry"
)

// InitAuth is the device-login handshake payload init_login() returns: a
// URL the user visits plus whatever token login()'s polling loop presents
// back to the auth service, grounded on
// original_source/crates/forge_app/src/authenticator.rs's InitAuth.
type InitAuth struct {
	URL   string
	Token string
}

// UserInfo is the identity attached to a completed login.
type UserInfo struct {
	Email string
	Name  string
}

// AuthService is the network collaborator init_login/login/user_info call
// out to: the actual OAuth device-flow backend. Named but not specified by
// this engine's scope, the same out-of-scope-collaborator treatment spec §1
// gives on-disk credential storage. A caller wires a real implementation;
// PollLogin returns a *forgeerr.Error of KindAuthInProgress while the user
// has not yet completed the handshake.
type AuthService interface {
	InitAuth(ctx context.Context) (InitAuth, error)
	PollLogin(ctx context.Context, auth InitAuth) (config.KeyInfo, error)
	UserInfo(ctx context.Context, key config.KeyInfo) (UserInfo, error)
}

// loginPollConfig matches the original Authenticator.login_inner polling
// loop: 300 attempts, a 2s base delay that Factor 1 keeps from growing
// (jitter makes each wait 1-2s), retrying only AuthInProgress.
var loginPollConfig = retry.Config{
	InitialDelay: 2 * time.Second,
	Factor:       1,
	MaxAttempts:  300,
	MaxDelay:     2 * time.Second,
}

// InitLogin starts a login handshake against the configured AuthService.
func (a *Api) InitLogin(ctx context.Context) (InitAuth, error) {
	return a.auth.InitAuth(ctx)
}

// Login polls the AuthService until the user completes the device-flow
// handshake it started with InitLogin, persisting the returned key_info on
// success. Idempotent: a no-op if a key_info is already persisted, matching
// login_inner's "already logged in" short-circuit.
func (a *Api) Login(ctx context.Context, auth InitAuth) error {
	cfg, err := config.LoadAppConfig()
	if err != nil {
		return err
	}
	if cfg.KeyInfo != nil {
		return nil
	}

	var key config.KeyInfo
	err = retry.Do(ctx, loginPollConfig, nil, func(ctx context.Context, attempt int) error {
		k, err := a.auth.PollLogin(ctx, auth)
		if err != nil {
			var fe *forgeerr.Error
			if errors.As(err, &fe) && fe.Kind == forgeerr.KindAuthInProgress {
				return &retry.RetryableError{Err: err}
			}
			return err
		}
		key = k
		return nil
	})
	if err != nil {
		return err
	}

	key.APIKeyMasked = config.MaskAPIKey(key.APIKey)
	cfg.KeyInfo = &key
	return config.SaveAppConfig(cfg)
}

// Logout clears the persisted key_info.
func (a *Api) Logout() error {
	cfg, err := config.LoadAppConfig()
	if err != nil {
		return err
	}
	cfg.KeyInfo = nil
	return config.SaveAppConfig(cfg)
}

// UserInfo returns the identity behind the persisted key_info, failing if
// no login has happened yet.
func (a *Api) UserInfo(ctx context.Context) (UserInfo, error) {
	cfg, err := config.LoadAppConfig()
	if err != nil {
		return UserInfo{}, err
	}
	if cfg.KeyInfo == nil {
		return UserInfo{}, errors.New("forgeapi: not logged in")
	}
	return a.auth.UserInfo(ctx, *cfg.KeyInfo)
}
