package business

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-edge/internal/business/server"
	"github.com/openkcm/session-edge/internal/config"
	"github.com/openkcm/session-edge/pkg/cookie"
	"github.com/openkcm/session-edge/pkg/customtoken"
	"github.com/openkcm/session-edge/pkg/keyring"
	"github.com/openkcm/session-edge/pkg/referer"
	"github.com/openkcm/session-edge/pkg/refresh"
	refreshvalkey "github.com/openkcm/session-edge/pkg/refresh/valkey"
	"github.com/openkcm/session-edge/pkg/session"
	"github.com/openkcm/session-edge/pkg/token"
)

// Main starts the edge HTTP server.
func Main(ctx context.Context, cfg *config.Config) error {
	sessionManager, closeFn, err := initSessionManager(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the session manager: %w", err)
	}

	defer closeFn()

	return server.StartHTTPServer(ctx, cfg, sessionManager)
}

func initSessionManager(ctx context.Context, cfg *config.Config) (_ *session.Manager, closeFn func(), _ error) {
	sm := &cfg.SessionManager
	if err := sm.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validating session manager config: %w", err)
	}

	keys, err := sm.LoadKeys()
	if err != nil {
		return nil, nil, err
	}

	ring, err := keyring.New(keys...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating key ring: %w", err)
	}

	codec, err := cookie.NewCodec(ring, sm.Cookie, cookie.WithMaxSize(sm.MaxCookieSize))
	if err != nil {
		return nil, nil, fmt.Errorf("creating cookie codec: %w", err)
	}
	codec.LogTemplateWarnings(ctx)

	verifier, err := newVerifier(ctx, sm)
	if err != nil {
		return nil, nil, fmt.Errorf("creating token verifier: %w", err)
	}

	refresher, closeFn, err := newRefresher(ctx, cfg, verifier)
	if err != nil {
		return nil, nil, fmt.Errorf("creating token refresher: %w", err)
	}

	opts := []session.Option{session.WithRefreshMargin(sm.RefreshMargin)}
	if sm.CustomToken.Enabled {
		minter, err := newMinter(&sm.CustomToken)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("creating custom token minter: %w", err)
		}
		opts = append(opts, session.WithMinter(minter))
	}

	sessManager, err := session.NewManager(codec, verifier, refresher, opts...)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("creating session manager: %w", err)
	}

	slogctx.Info(ctx, "Session manager initialised",
		"cookie", sm.Cookie.Name, "keys", ring.Len(), "issuer", sm.Issuer,
		"domainRestriction", len(sm.AuthorizedDomains) > 0, "refreshCache", sm.Refresh.Cache.Type)

	return sessManager, closeFn, nil
}

func newVerifier(ctx context.Context, sm *config.SessionManager) (*token.Verifier, error) {
	// Key fetches are shared by all requests, so they carry a fixed referer.
	jwksClient := &http.Client{
		Timeout:   sm.Refresh.Timeout,
		Transport: &referer.Transport{Referer: sm.KeyFetchReferer},
	}

	opts := []token.Option{
		token.WithIssuer(sm.Issuer),
		token.WithAudience(sm.Audience...),
		token.WithLeeway(sm.Leeway),
	}
	if len(sm.Algorithms) > 0 {
		opts = append(opts, token.WithAlgorithms(sm.Algorithms...))
	}
	if len(sm.AuthorizedDomains) > 0 {
		opts = append(opts, token.WithDomainRestriction(sm.AuthorizedDomains...))
	}

	return token.NewVerifier(token.NewRemoteKeySet(ctx, sm.JWKSURI, jwksClient), opts...)
}

func newRefresher(ctx context.Context, cfg *config.Config, verifier *token.Verifier) (*refresh.Refresher, func(), error) {
	rc := &cfg.SessionManager.Refresh

	apiKey, err := commoncfg.LoadValueFromSourceRef(rc.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("loading refresh api key: %w", err)
	}

	closeFn := func() {}
	opts := []refresh.Option{refresh.WithTimeout(rc.Timeout)}
	if rc.SingleFlight {
		opts = append(opts, refresh.WithSingleFlight())
	}

	switch rc.Cache.Type {
	case config.RefreshCacheMemory:
		opts = append(opts, refresh.WithCache(refresh.NewMemoryCache(rc.Cache.TTL), rc.Cache.TTL))
	case config.RefreshCacheValKey:
		valkeyOpts, err := config.MakeValKeyOptions(cfg.ValKey)
		if err != nil {
			return nil, nil, fmt.Errorf("loading valkey options: %w", err)
		}

		valkeyClient, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, nil, fmt.Errorf("creating a new valkey client: %w", err)
		}

		slogctx.Info(ctx, "Using valkey refresh cache", "prefix", cfg.ValKey.Prefix)

		opts = append(opts, refresh.WithCache(refreshvalkey.NewCache(valkeyClient, cfg.ValKey.Prefix), rc.Cache.TTL))
		closeFn = valkeyClient.Close
	case "", config.RefreshCacheNone:
	default:
		return nil, nil, errors.New("unknown refresh cache type")
	}

	refresher, err := refresh.New(rc.TokenURL, string(apiKey), verifier, opts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	return refresher, closeFn, nil
}

func newMinter(ct *config.CustomToken) (*customtoken.Minter, error) {
	privateKey, err := commoncfg.LoadValueFromSourceRef(ct.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("loading service account key: %w", err)
	}

	opts := []customtoken.Option{customtoken.WithLifetime(ct.Lifetime)}
	if ct.KeyID != "" {
		opts = append(opts, customtoken.WithKeyID(ct.KeyID))
	}

	return customtoken.NewMinter(ct.ServiceAccountEmail, privateKey, opts...)
}
