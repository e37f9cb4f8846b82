// Package config - credentials.go resolves per-subaccount broker
// credentials from environment key suffixes.
//
// Precedence for every field: ALPACA_KEY_ID__<alias> beats ALPACA_KEY_ID.
// When no base URL is given, USE_PAPER[__<alias>] picks the paper host;
// unset means paper (safety default). Trailing "/" and "/v2" are stripped
// before the base URL is compared or used.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Credentials is a resolved broker credential set for one alias.
type Credentials struct {
	Alias     string
	KeyID     string
	SecretKey string
	BaseURL   string
	Paper     bool
}

// CredentialResolver resolves aliases to broker credentials. The getenv
// indirection lets tests inject an environment.
type CredentialResolver struct {
	getenv func(string) string
}

// NewCredentialResolver builds a resolver over the process environment.
func NewCredentialResolver() *CredentialResolver {
	return &CredentialResolver{getenv: os.Getenv}
}

// NewCredentialResolverFromEnv builds a resolver over an explicit map.
func NewCredentialResolverFromEnv(env map[string]string) *CredentialResolver {
	return &CredentialResolver{getenv: func(k string) string { return env[k] }}
}

// Resolve returns the credentials for alias. The empty alias means
// "default". Missing key or secret is an error.
func (r *CredentialResolver) Resolve(alias string) (*Credentials, error) {
	if alias == "" {
		alias = "default"
	}

	key := r.lookup("ALPACA_KEY_ID", alias)
	secret := r.lookup("ALPACA_SECRET_KEY", alias)
	if key == "" || secret == "" {
		return nil, fmt.Errorf("config: no broker credentials for alias %q", alias)
	}

	base := NormalizeBaseURL(r.lookup("ALPACA_BASE_URL", alias))
	if base == "" {
		usePaper := r.lookup("USE_PAPER", alias)
		if usePaper == "" || truthy(usePaper) {
			base = DefaultPaperBaseURL
		} else {
			base = "https://api.alpaca.markets"
		}
	}

	return &Credentials{
		Alias:     alias,
		KeyID:     key,
		SecretKey: secret,
		BaseURL:   base,
		Paper:     strings.Contains(base, PaperHost),
	}, nil
}

// lookup applies the suffix precedence: NAME__alias, then NAME. The
// "default" alias only consults the bare name.
func (r *CredentialResolver) lookup(name, alias string) string {
	if alias != "default" {
		if v := r.getenv(name + "__" + alias); v != "" {
			return v
		}
	}
	return r.getenv(name)
}

// NormalizeBaseURL strips trailing slashes and a trailing /v2 segment so
// host comparison and client construction see the bare origin.
func NormalizeBaseURL(raw string) string {
	b := strings.TrimSpace(raw)
	b = strings.TrimRight(b, "/")
	b = strings.TrimSuffix(b, "/v2")
	return strings.TrimRight(b, "/")
}
