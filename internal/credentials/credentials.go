// Package credentials resolves API keys for external services. Secrets are
// read on demand and never persisted by the engine.
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ErrMissing is returned when no key is configured for a service.
var ErrMissing = errors.New("credentials not configured")

// Credential is a key with an optional secret.
type Credential struct {
	Key    string
	Secret string
}

// Provider looks up the credential for a named service.
type Provider interface {
	Get(service string) (Credential, error)
}

// EnvProvider reads AUTOAPPLY_CREDENTIALS_<SERVICE>_KEY and _SECRET.
type EnvProvider struct {
	v *viper.Viper
}

// NewEnvProvider builds a provider over the process environment.
func NewEnvProvider() *EnvProvider {
	v := viper.New()
	v.SetEnvPrefix("AUTOAPPLY_CREDENTIALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &EnvProvider{v: v}
}

// Get implements Provider.
func (p *EnvProvider) Get(service string) (Credential, error) {
	name := strings.ToLower(strings.TrimSpace(service))
	if name == "" {
		return Credential{}, fmt.Errorf("credential lookup: empty service name")
	}
	cred := Credential{
		Key:    p.v.GetString(name + ".key"),
		Secret: p.v.GetString(name + ".secret"),
	}
	if cred.Key == "" {
		return Credential{}, fmt.Errorf("%s: %w", service, ErrMissing)
	}
	return cred, nil
}

// Static serves fixed credentials, keyed by service name.
type Static map[string]Credential

// Get implements Provider.
func (s Static) Get(service string) (Credential, error) {
	cred, ok := s[service]
	if !ok || cred.Key == "" {
		return Credential{}, fmt.Errorf("%s: %w", service, ErrMissing)
	}
	return cred, nil
}
