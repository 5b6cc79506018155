package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/zalando/go-keyring"

	"github.com/codemachine-ai/codemachine/pkg/errors"
)

// keyringService namespaces engine credentials in the OS keychain.
const keyringService = "codemachine"

// SkipAuthEnv bypasses authentication checks for dry runs.
const SkipAuthEnv = "CODEMACHINE_SKIP_AUTH"

// cliAuth implements Auth by shelling out to the engine's own CLI for the
// login flow and keeping any operator-entered API key in the OS keychain.
type cliAuth struct {
	engineID string
	binary   string

	// statusArgs invokes the CLI's credential check; exit 0 means authed.
	statusArgs []string

	// loginArgs invokes the CLI's interactive login flow.
	loginArgs []string

	// logoutArgs invokes the CLI's logout flow; empty means keyring-only.
	logoutArgs []string

	// apiKeyEnv, when non-empty, names the env var the engine reads an API
	// key from; a key stored in the keychain satisfies the auth check.
	apiKeyEnv string
}

// IsAuthenticated reports whether the engine CLI has working credentials.
func (a *cliAuth) IsAuthenticated(ctx context.Context) (bool, error) {
	if os.Getenv(SkipAuthEnv) == "1" {
		return true, nil
	}

	if a.apiKeyEnv != "" {
		if key, err := keyring.Get(keyringService, a.engineID); err == nil && key != "" {
			return true, nil
		}
		if os.Getenv(a.apiKeyEnv) != "" {
			return true, nil
		}
	}

	if len(a.statusArgs) == 0 {
		return false, nil
	}
	cmd := exec.CommandContext(ctx, a.binary, a.statusArgs...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("check %s credentials: %w", a.engineID, err)
	}
	return true, nil
}

// EnsureAuth runs the engine's login flow, inheriting the terminal so the
// CLI can drive its own browser or device-code prompts.
func (a *cliAuth) EnsureAuth(ctx context.Context, force bool) error {
	if !force {
		ok, err := a.IsAuthenticated(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	if len(a.loginArgs) == 0 {
		return &errors.AuthError{
			Engine:  a.engineID,
			Message: fmt.Sprintf("set %s or store a key with `codemachine auth %s --key`", a.apiKeyEnv, a.engineID),
		}
	}

	cmd := exec.CommandContext(ctx, a.binary, a.loginArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return &errors.AuthError{Engine: a.engineID, Message: err.Error()}
	}
	return nil
}

// ClearAuth removes the keychain entry and runs the CLI logout if one exists.
func (a *cliAuth) ClearAuth(ctx context.Context) error {
	if a.apiKeyEnv != "" {
		if err := keyring.Delete(keyringService, a.engineID); err != nil && err != keyring.ErrNotFound {
			return fmt.Errorf("clear %s keychain entry: %w", a.engineID, err)
		}
	}
	if len(a.logoutArgs) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, a.binary, a.logoutArgs...)
	if err := cmd.Run(); err != nil {
		return &errors.AuthError{Engine: a.engineID, Message: err.Error()}
	}
	return nil
}

// StoreAPIKey saves an operator-entered API key for the engine.
func StoreAPIKey(engineID, key string) error {
	return keyring.Set(keyringService, engineID, key)
}

// apiKeyEnviron returns the env entry for the engine's stored API key, or
// nil when nothing is stored. Merged into child environments at spawn time.
func (a *cliAuth) apiKeyEnviron() []string {
	if a.apiKeyEnv == "" {
		return nil
	}
	key, err := keyring.Get(keyringService, a.engineID)
	if err != nil || key == "" {
		return nil
	}
	return []string{a.apiKeyEnv + "=" + key}
}
