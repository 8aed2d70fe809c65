// Command hub runs the multi-user authentication and spawning Hub: it
// authenticates users, spawns and tracks their single-user servers, and
// issues the bearer/cookie tokens the external proxy and single-user
// servers use to call back into it.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rjsadow/hub/internal/authprovider"
	"github.com/rjsadow/hub/internal/auditarchive"
	"github.com/rjsadow/hub/internal/config"
	"github.com/rjsadow/hub/internal/db"
	"github.com/rjsadow/hub/internal/dispatcher"
	"github.com/rjsadow/hub/internal/proxyclient"
	"github.com/rjsadow/hub/internal/secrets"
	"github.com/rjsadow/hub/internal/session"
	"github.com/rjsadow/hub/internal/spawncontrol"
	"github.com/rjsadow/hub/internal/spawner"
)

// secretCookieSecret and secretProxyAuthToken are the keys the Hub's secrets
// provider is asked for. The env provider's fallback-to-raw-key behavior
// means these resolve to HUB_COOKIE_SECRET/HUB_PROXY_AUTH_TOKEN unprefixed,
// matching the env var names config.go already reads as a default.
const (
	secretCookieSecret   = "HUB_COOKIE_SECRET"
	secretProxyAuthToken = "HUB_PROXY_AUTH_TOKEN"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.MustLoad()

	database, err := db.OpenDB(cfg.DBType, cfg.DB)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()

	secretsMgr, err := secrets.NewManager(secrets.LoadConfig())
	if err != nil {
		slog.Error("failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	defer secretsMgr.Close()
	slog.Info("secrets provider ready", "provider", secretsMgr.ProviderName())

	cookieSecret, err := loadCookieSecret(ctx, secretsMgr, cfg.CookieSecretHex)
	if err != nil {
		slog.Error("invalid cookie secret", "error", err)
		os.Exit(1)
	}

	hub, err := database.GetHub(ctx)
	if err != nil {
		slog.Error("failed to load hub record", "error", err)
		os.Exit(1)
	}
	hub.Port = cfg.Port
	if err := database.SetHub(ctx, hub); err != nil {
		slog.Error("failed to persist hub record", "error", err)
		os.Exit(1)
	}

	proxyRow, err := database.GetProxy(ctx)
	if err != nil {
		slog.Error("failed to load proxy record", "error", err)
		os.Exit(1)
	}
	if cfg.ProxyAPIURL != "" {
		apiServer, err := db.NewServerFromURL(cfg.ProxyAPIURL)
		if err != nil {
			slog.Error("invalid proxy api url", "error", err)
			os.Exit(1)
		}
		apiServer.ID = proxyRow.APIServerID
		proxyRow.APIServer = apiServer
	}
	if cfg.ProxyPublicURL != "" {
		publicServer, err := db.NewServerFromURL(cfg.ProxyPublicURL)
		if err != nil {
			slog.Error("invalid proxy public url", "error", err)
			os.Exit(1)
		}
		publicServer.ID = proxyRow.PublicServerID
		proxyRow.PublicServer = publicServer
	}
	proxyRow.AuthToken = secretsMgr.GetOrDefault(ctx, secretProxyAuthToken, cfg.ProxyAuthToken)
	if proxyRow.AuthToken == "" {
		slog.Error("missing proxy auth token", "key", secretProxyAuthToken)
		os.Exit(1)
	}
	if err := database.SetProxy(ctx, proxyRow); err != nil {
		slog.Error("failed to persist proxy record", "error", err)
		os.Exit(1)
	}
	proxy := proxyclient.New(proxyRow.APIURL(), proxyRow.AuthToken)

	auth, err := buildAuthenticator(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	factory := buildSpawnerFactory(cfg)

	spawnCfg := spawner.Config{
		Namespace: cfg.Namespace,
		Image:     cfg.SingleUserImage,
	}

	spawnCtrl := spawncontrol.NewController(database, hub, factory, spawnCfg, proxy, cookieSecret, cfg.SpawnTimeout)

	sessionMgr := session.NewManager(database, cfg.CookieName, hub.BaseURL, cfg.CookieMaxAge)

	app := &dispatcher.App{
		DB:         database,
		Session:    sessionMgr,
		SpawnCtrl:  spawnCtrl,
		Auth:       auth,
		Hub:        hub,
		HubBaseURL: hub.BaseURL,
		LoginPath:  "/hub/login",
	}

	archiveCtx, cancelArchive := context.WithCancel(ctx)
	defer cancelArchive()
	if err := startAuditArchiver(archiveCtx, cfg, database); err != nil {
		slog.Warn("audit archive disabled", "error", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("hub starting", "addr", "http://localhost"+addr, "spawner", cfg.SpawnerBackend, "auth", cfg.AuthBackend)

	if err := http.ListenAndServe(addr, app.Handler()); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// loadCookieSecret sources the Hub-wide cookie secret through the configured
// secrets.Provider (env by default, falling back to configFallback read
// straight from HUB_COOKIE_SECRET so existing deployments keep working
// unchanged), decoding and sizing it per spec.md §6.
func loadCookieSecret(ctx context.Context, mgr *secrets.Manager, configFallback string) ([]byte, error) {
	hexSecret := mgr.GetOrDefault(ctx, secretCookieSecret, configFallback)
	if hexSecret == "" {
		return nil, errors.New("HUB_COOKIE_SECRET is required")
	}
	secret, err := hex.DecodeString(hexSecret)
	if err != nil {
		return nil, fmt.Errorf("HUB_COOKIE_SECRET must be hex-encoded: %w", err)
	}
	if len(secret) < 32 {
		return nil, errors.New("HUB_COOKIE_SECRET must decode to at least 32 bytes")
	}
	return secret, nil
}

func buildAuthenticator(ctx context.Context, cfg *config.Config) (authprovider.Authenticator, error) {
	switch cfg.AuthBackend {
	case "oidc":
		return authprovider.NewOIDCAuthenticator(ctx, cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret, cfg.OIDCRedirectURL, nil)
	case "noop":
		return authprovider.NewNoopAuthenticator(), nil
	case "local":
		checker, err := authprovider.NewBcryptChecker(cfg.LocalUsers)
		if err != nil {
			return nil, err
		}
		return authprovider.NewLocalAuthenticator(checker), nil
	default:
		return nil, fmt.Errorf("unsupported auth backend: %q", cfg.AuthBackend)
	}
}

func buildSpawnerFactory(cfg *config.Config) spawner.Factory {
	switch cfg.SpawnerBackend {
	case "kubernetes":
		spawner.ConfigureKubernetes(cfg.Namespace, cfg.Kubeconfig)
		return spawner.NewKubernetesSpawner
	default:
		return spawner.NewProcessSpawner
	}
}

// startAuditArchiver wires the optional S3 audit archive. An empty bucket
// leaves archival disabled; AuditLog rows then accumulate until an operator
// configures one.
func startAuditArchiver(ctx context.Context, cfg *config.Config, database *db.DB) error {
	if cfg.AuditS3Bucket == "" {
		return nil
	}
	store, err := auditarchive.NewStore(ctx, cfg.AuditS3Bucket, cfg.AuditS3Region, cfg.AuditS3Endpoint, cfg.AuditS3Prefix, "", "")
	if err != nil {
		return err
	}
	archiver := auditarchive.NewArchiver(database, store, 30*24*time.Hour, 500)
	go archiver.Run(ctx, time.Hour, nil)
	return nil
}
