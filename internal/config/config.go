// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	ValKey         ValKey         `yaml:"valkey"`
	SessionManager SessionManager `yaml:"sessionManager"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	Prefix    string              `yaml:"prefix" default:"session-edge"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

type SessionManager struct {
	Cookie CookieTemplate `yaml:"cookie"`
	// Keys sign the session cookies. The first key signs, all keys verify.
	Keys          []commoncfg.SourceRef `yaml:"keys"`
	MaxCookieSize int                   `yaml:"maxCookieSize" default:"3800"`

	Issuer     string        `yaml:"issuer"`
	Audience   []string      `yaml:"audience"`
	JWKSURI    string        `yaml:"jwksURI"`
	Algorithms []string      `yaml:"algorithms"`
	Leeway     time.Duration `yaml:"leeway" default:"5s"`

	RefreshMargin time.Duration `yaml:"refreshMargin" default:"5m"`

	// AuthorizedDomains enables domain restriction when not empty.
	AuthorizedDomains []string `yaml:"authorizedDomains"`
	// KeyFetchReferer is sent on JWKS requests, which happen outside of any
	// single request.
	KeyFetchReferer string `yaml:"keyFetchReferer"`

	Refresh     Refresh     `yaml:"refresh"`
	CustomToken CustomToken `yaml:"customToken"`
}

type Refresh struct {
	TokenURL     string              `yaml:"tokenURL"`
	APIKey       commoncfg.SourceRef `yaml:"apiKey"`
	Timeout      time.Duration       `yaml:"timeout" default:"5s"`
	SingleFlight bool                `yaml:"singleFlight"`
	Cache        RefreshCache        `yaml:"cache"`
}

type RefreshCacheType string

const (
	RefreshCacheNone   RefreshCacheType = "none"
	RefreshCacheMemory RefreshCacheType = "memory"
	RefreshCacheValKey RefreshCacheType = "valkey"
)

type RefreshCache struct {
	Type RefreshCacheType `yaml:"type" default:"none"`
	TTL  time.Duration    `yaml:"ttl" default:"30s"`
}

type CustomToken struct {
	Enabled             bool                `yaml:"enabled"`
	ServiceAccountEmail string              `yaml:"serviceAccountEmail"`
	PrivateKey          commoncfg.SourceRef `yaml:"privateKey"`
	KeyID               string              `yaml:"keyID"`
	Lifetime            time.Duration       `yaml:"lifetime" default:"1h"`
}

// Validate checks the settings that cannot be defaulted.
func (sm *SessionManager) Validate() error {
	var errs []error

	if len(sm.Keys) == 0 {
		errs = append(errs, errors.New("at least one cookie key is required"))
	}
	if sm.Cookie.Name == "" {
		errs = append(errs, errors.New("cookie name is required"))
	}
	if sm.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	}
	if len(sm.Audience) == 0 {
		errs = append(errs, errors.New("at least one audience is required"))
	}
	if sm.JWKSURI == "" {
		errs = append(errs, errors.New("jwksURI is required"))
	}
	if sm.Refresh.TokenURL == "" {
		errs = append(errs, errors.New("refresh tokenURL is required"))
	}

	switch sm.Refresh.Cache.Type {
	case "", RefreshCacheNone, RefreshCacheMemory, RefreshCacheValKey:
	default:
		errs = append(errs, fmt.Errorf("unknown refresh cache type %q", sm.Refresh.Cache.Type))
	}

	if sm.CustomToken.Enabled && sm.CustomToken.ServiceAccountEmail == "" {
		errs = append(errs, errors.New("custom token requires a service account email"))
	}

	return errors.Join(errs...)
}

// LoadKeys resolves the cookie keys in configuration order.
func (sm *SessionManager) LoadKeys() ([][]byte, error) {
	keys := make([][]byte, 0, len(sm.Keys))
	for i, ref := range sm.Keys {
		key, err := commoncfg.LoadValueFromSourceRef(ref)
		if err != nil {
			return nil, fmt.Errorf("loading cookie key %d: %w", i, err)
		}
		keys = append(keys, key)
	}

	return keys, nil
}
