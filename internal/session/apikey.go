package session

import (
	"encoding/json"
	"os"

	"golang.org/x/oauth2"
)

// AuthSource names how a provider is configured to authenticate.
type AuthSource string

const (
	AuthSourceAPIKey AuthSource = "api_key"
	AuthSourceOAuth  AuthSource = "oauth"
)

// ProviderConfig is the subset of provider settings the resolver
// needs.
type ProviderConfig struct {
	Name         string
	EnvVar       string     // environment variable mapped for this provider
	APIKey       string     // providers[name].api_key
	APIKeySecret string     // providers[name].api_key_secret, a key into the secret store
	AuthSource   AuthSource // "" falls back to AuthSourceAPIKey rules

	// RequiresExplicitAuthSource marks providers (e.g. an OAuth-only
	// variant) that must not fall back to the default api_key rules
	// when AuthSource is unset; resolution returns empty instead.
	RequiresExplicitAuthSource bool

	DefaultSecretKey string // provider-default secret key in the store
}

// SecretLookup resolves a secret-store value by key. oauth is
// non-nil when the stored value is a recognized OAuth payload
// (detected upstream by its "type" field).
type SecretLookup interface {
	Lookup(key string) (plain string, oauth *OAuthPayload, ok bool)
}

// OAuthPayload is a store value recognized as an OAuth credential. It
// wraps the standard oauth2.Token so expiry and refresh-token handling
// follow golang.org/x/oauth2 conventions rather than a bespoke shape.
type OAuthPayload struct {
	Type      string
	Token     *oauth2.Token
	ProjectID string
}

// Composed renders the provider-specific composed value for payloads
// that need more than the bare access token (e.g. {token, projectId}).
func (p *OAuthPayload) Composed() string {
	if p == nil || p.Token == nil {
		return ""
	}
	if p.ProjectID != "" {
		b, _ := json.Marshal(map[string]string{"token": p.Token.AccessToken, "projectId": p.ProjectID})
		return string(b)
	}
	return p.Token.AccessToken
}

// ResolveAPIKey implements the per-turn, per-provider resolution
// order: environment variable → plain api_key → api_key_secret in the
// store (subject to auth_source rules) → provider-default secret key.
// The first non-empty result wins; any step may resolve to empty and
// fall through to the next.
func ResolveAPIKey(cfg ProviderConfig, secrets SecretLookup) string {
	if cfg.AuthSource == "" && cfg.RequiresExplicitAuthSource {
		return ""
	}

	if cfg.EnvVar != "" {
		if v, ok := os.LookupEnv(cfg.EnvVar); ok && v != "" {
			return v
		}
	}
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	if secrets != nil {
		if cfg.APIKeySecret != "" {
			if key := lookupForAuthSource(cfg, secrets, cfg.APIKeySecret); key != "" {
				return key
			}
		}
		if cfg.DefaultSecretKey != "" {
			if key := lookupForAuthSource(cfg, secrets, cfg.DefaultSecretKey); key != "" {
				return key
			}
		}
	}
	return ""
}

// lookupForAuthSource applies the oauth/api_key auth_source rules to
// one secret-store lookup.
func lookupForAuthSource(cfg ProviderConfig, secrets SecretLookup, storeKey string) string {
	plain, payload, ok := secrets.Lookup(storeKey)
	if !ok {
		return ""
	}

	switch cfg.AuthSource {
	case AuthSourceOAuth:
		// Store value is not a recognized OAuth payload for an
		// oauth-only provider: resolves to empty, not the plain value.
		return payload.Composed()

	default: // AuthSourceAPIKey, or unset (defaults to api_key rules)
		// OAuth payloads are ignored for api_key providers; only a
		// plain value resolves.
		if payload != nil {
			return ""
		}
		return plain
	}
}
