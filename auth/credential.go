// Package auth yields and validates the API-key credential presented when a
// session connects to the upstream agent. Storage and rotation are left to
// the environment; the bridge only reads the configured variable.
package auth

import (
	"context"
	"os"
	"strings"
	"unicode"

	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/errors"
	"github.com/plyght/amp-acp/logx"
)

// Providers understood by the validator.
const (
	ProviderAmp       = "amp"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderBedrock   = "bedrock"
)

// Credential is an API key together with the variable it came from. The
// upstream agent receives it as Env=Secret.
type Credential struct {
	Provider string
	Env      string
	Secret   string
}

// String never prints the secret.
func (c Credential) String() string {
	return c.Provider + ":" + c.Env + "=" + redact(c.Secret)
}

// Environ returns the credential as an environment entry, or nil when there
// is nothing to pass.
func (c Credential) Environ() []string {
	if c.Env == "" || c.Secret == "" {
		return nil
	}
	return []string{c.Env + "=" + c.Secret}
}

func redact(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "..." + s[len(s)-2:]
}

// Source yields the credential for a new session.
type Source interface {
	Credential(ctx context.Context) (Credential, error)
}

// Validator checks a credential before the upstream is started.
type Validator interface {
	Validate(ctx context.Context, c Credential) error
}

// EnvSource reads the credential from the process environment.
type EnvSource struct {
	Provider string
	Env      string
	Lookup   func(string) (string, bool)
}

// NewEnvSource returns a source for the configured provider and variable.
func NewEnvSource(cfg config.Credential) *EnvSource {
	return &EnvSource{Provider: cfg.Provider, Env: cfg.Env, Lookup: os.LookupEnv}
}

func (s *EnvSource) Credential(context.Context) (Credential, error) {
	c := Credential{Provider: s.Provider, Env: s.Env}
	if s.Env == "" {
		return c, nil
	}
	v, ok := s.Lookup(s.Env)
	if !ok {
		return c, errors.Tag(errors.ErrAuth, nil, "%s is not set", s.Env)
	}
	c.Secret = strings.TrimSpace(v)
	return c, nil
}

// ProbeFunc makes one minimal authenticated call to a provider.
type ProbeFunc func(ctx context.Context, c Credential, opts ProbeOptions) error

// ProbeOptions carries provider-specific probe settings.
type ProbeOptions struct {
	Model   string
	Region  string
	BaseURL string
}

// Checker validates the shape of a credential and, when probing is enabled,
// confirms it against the provider's API.
type Checker struct {
	probe  bool
	opts   ProbeOptions
	probes map[string]ProbeFunc
}

// NewChecker builds the validator for cfg.
func NewChecker(cfg config.Credential) *Checker {
	return &Checker{
		probe: cfg.Probe,
		opts:  ProbeOptions{Model: cfg.Model, Region: cfg.Region, BaseURL: cfg.BaseURL},
		probes: map[string]ProbeFunc{
			ProviderAnthropic: probeAnthropic,
			ProviderOpenAI:    probeOpenAI,
			ProviderGemini:    probeGemini,
			ProviderBedrock:   probeBedrock,
		},
	}
}

// Validate fails with ErrAuth when the credential is missing or malformed,
// or when the provider rejects it.
func (v *Checker) Validate(ctx context.Context, c Credential) error {
	switch c.Provider {
	case ProviderAmp, ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		if c.Secret == "" {
			return errors.Tag(errors.ErrAuth, nil, "%s credential from %s is empty", c.Provider, c.Env)
		}
	case ProviderBedrock:
		// AWS resolves its own credential chain; Env is optional.
	default:
		return errors.Tag(errors.ErrAuth, nil, "unknown credential provider %q", c.Provider)
	}
	if strings.IndexFunc(c.Secret, unicode.IsSpace) >= 0 {
		return errors.Tag(errors.ErrAuth, nil, "%s credential contains whitespace", c.Provider)
	}

	if !v.probe {
		return nil
	}
	probe, ok := v.probes[c.Provider]
	if !ok {
		return nil
	}
	logx.Log.Debug().Str("provider", c.Provider).Str("credential", c.String()).Msg("probing credential")
	if err := probe(ctx, c, v.opts); err != nil {
		return errors.Tag(errors.ErrAuth, err, "%s rejected the credential", c.Provider)
	}
	return nil
}
