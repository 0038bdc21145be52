package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/identity-server/internal/authorize"
	"github.com/dgellow/identity-server/internal/clock"
	"github.com/dgellow/identity-server/internal/config"
	"github.com/dgellow/identity-server/internal/crypto"
	"github.com/dgellow/identity-server/internal/device"
	"github.com/dgellow/identity-server/internal/log"
	"github.com/dgellow/identity-server/internal/metrics"
	"github.com/dgellow/identity-server/internal/oidc"
	"github.com/dgellow/identity-server/internal/server"
	"github.com/dgellow/identity-server/internal/signing"
	"github.com/dgellow/identity-server/internal/storage"
	"github.com/dgellow/identity-server/internal/token"
	"github.com/dgellow/identity-server/internal/validation"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// userAudience is the audience a bearer token must carry to act for an end
// user at /authorize and /device/verify.
const userAudience = "userinfo"

// IdentityServer is the assembled application: HTTP surface, storage
// backend and expiry sweeper.
type IdentityServer struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	backend    *storage.Backend
	sweeper    *storage.Sweeper
	engine     *token.Engine
}

// NewIdentityServer builds every dependency from cfg. The caller must Close
// the returned server if Run is never called.
func NewIdentityServer(ctx context.Context, cfg config.Config) (*IdentityServer, error) {
	return newIdentityServer(ctx, cfg, clock.Real{})
}

func newIdentityServer(ctx context.Context, cfg config.Config, clk clock.Clock) (*IdentityServer, error) {
	log.LogInfoWithFields("identityserver", "Building identity server", map[string]any{
		"issuer":  cfg.Issuer,
		"storage": cfg.Storage.Type,
		"clients": len(cfg.Clients),
	})

	encryptor, err := setupEncryptor(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup encryption: %w", err)
	}

	backend, err := setupStorage(ctx, cfg, encryptor, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	keys, err := setupSigning(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to setup signing: %w", err)
	}
	signer := signing.NewService(keys, cfg.Issuer, clk)

	m := metrics.New()
	clientRepo := storage.NewMemoryClientRepository(cfg.OAuthClients())
	users := storage.NewMemoryUserRepository(cfg.UserClaims())
	clients := validation.NewClients(clientRepo, clk)
	pkce := validation.NewPKCE(backend.Challenges, encryptor)

	var grace time.Duration
	if cfg.RefreshGracePeriod != nil {
		grace = time.Duration(*cfg.RefreshGracePeriod)
		if grace == 0 {
			grace = token.NoRefreshGrace
		}
	}
	engine := token.NewEngine(token.Deps{
		Clients:   clients,
		PKCE:      pkce,
		Grants:    backend.Grants,
		Devices:   backend.Devices,
		Users:     users,
		Blacklist: backend.Blacklist,
		Signer:    signer,
		Clock:     clk,
		Metrics:   m,
	}, token.Config{
		BaseLifetime:       time.Duration(cfg.BaseTokenLifetime),
		RefreshGracePeriod: grace,
		RequestTimeout:     time.Duration(cfg.RequestTimeout),
	})

	handlers := server.NewOAuthHandlers(
		engine,
		device.NewService(clients, backend.Devices, backend.Grants, clk, cfg.Issuer),
		authorize.NewService(clients, pkce, backend.Grants, engine.Minter(), clk, engine.Lifetimes().AuthorizationCode()),
		oidc.NewUserInfo(engine, users),
		oidc.NewEndSession(signer, clients, backend.Grants),
		signer,
	)

	handler := buildHTTPHandler(cfg, handlers, engine, m, backend.Ping)

	return &IdentityServer{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Addr),
		backend:    backend,
		sweeper: storage.NewSweeper(backend, clientRepo, clk, m,
			time.Duration(cfg.Sweep.MinInterval), time.Duration(cfg.Sweep.MaxInterval)),
		engine: engine,
	}, nil
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *IdentityServer) Handler() http.Handler {
	return s.handler
}

// Engine returns the token engine. An in-process login front end uses its
// Minter to hand the signed-in user a bearer token for /authorize.
func (s *IdentityServer) Engine() *token.Engine {
	return s.engine
}

// Sweeper returns the expiry sweeper that Run starts.
func (s *IdentityServer) Sweeper() *storage.Sweeper {
	return s.sweeper
}

// Close releases the storage backend.
func (s *IdentityServer) Close() error {
	return s.backend.Close()
}

// Run serves HTTP and sweeps expired grants until ctx is cancelled, SIGINT or
// SIGTERM arrives, or the listener fails. Shutdown waits up to 30s for
// in-flight requests.
func (s *IdentityServer) Run(ctx context.Context) error {
	log.LogInfoWithFields("identityserver", "Starting identity server", map[string]any{
		"addr":   s.config.Addr,
		"issuer": s.config.Issuer,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.LogInfoWithFields("identityserver", "Starting graceful shutdown", map[string]any{
			"reason":  context.Cause(gctx).Error(),
			"timeout": shutdownTimeout.String(),
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Stop(shutdownCtx)
	})

	err := g.Wait()
	if closeErr := s.Close(); closeErr != nil {
		log.LogErrorWithFields("identityserver", "Failed to close storage", map[string]any{
			"error": closeErr.Error(),
		})
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.LogErrorWithFields("identityserver", "Identity server stopped with error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	log.LogInfoWithFields("identityserver", "Application shutdown complete", nil)
	return nil
}

// setupEncryptor uses the configured key, or a random one for in-memory
// storage where nothing outlives the process.
func setupEncryptor(cfg config.Config) (crypto.Encryptor, error) {
	key := []byte(cfg.EncryptionKey)
	if len(key) == 0 {
		if cfg.Storage.Type != config.StorageMemory {
			return nil, fmt.Errorf("encryptionKey is required for %s storage", cfg.Storage.Type)
		}
		generated, err := crypto.GenerateEncryptionKey()
		if err != nil {
			return nil, err
		}
		key = generated
	}
	return crypto.NewEncryptor(key)
}

func setupStorage(ctx context.Context, cfg config.Config, encryptor crypto.Encryptor, clk clock.Clock) (*storage.Backend, error) {
	sc := cfg.Storage
	switch sc.Type {
	case config.StorageMemory:
		log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
		return storage.NewMemoryBackend(clk), nil

	case config.StorageSQLite, config.StoragePostgres:
		driver := storage.DriverSQLite
		if sc.Type == config.StoragePostgres {
			driver = storage.DriverPostgres
		}
		log.LogInfoWithFields("storage", "Using SQL storage", map[string]any{
			"driver": driver,
		})
		db, err := storage.OpenSQL(ctx, driver, string(sc.DSN))
		if err != nil {
			return nil, err
		}
		return storage.NewSQLBackend(db, clk), nil

	case config.StorageRedis:
		log.LogInfoWithFields("storage", "Using Redis storage", map[string]any{
			"addr":       sc.RedisAddr,
			"db":         sc.RedisDB,
			"key_prefix": sc.RedisKeyPrefix,
		})
		client, err := storage.NewRedisClient(ctx, sc.RedisAddr, string(sc.RedisPassword), sc.RedisDB)
		if err != nil {
			return nil, err
		}
		return storage.NewRedisBackend(client, sc.RedisKeyPrefix, clk), nil

	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":    sc.GCPProjectID,
			"database":   sc.FirestoreDatabase,
			"collection": sc.FirestoreCollection,
		})
		return storage.NewFirestoreBackend(ctx, sc.GCPProjectID, sc.FirestoreDatabase, sc.FirestoreCollection, encryptor, clk)

	default:
		return nil, fmt.Errorf("unknown storage type %q", sc.Type)
	}
}

func setupSigning(cfg config.Config) (signing.KeyProvider, error) {
	if cfg.Signing.KeyFile == "" {
		return signing.NewGeneratingProvider(cfg.Signing.Algorithm), nil
	}

	provider, err := signing.NewFileProvider(cfg.Signing.KeyFile, cfg.Signing.FallbackKeyFiles...)
	if err != nil {
		return nil, err
	}
	key, err := provider.SigningKey(context.Background())
	if err != nil {
		return nil, err
	}
	if key.Algorithm != cfg.Signing.Algorithm {
		return nil, fmt.Errorf("signing key %s is %s but signing.algorithm is %s", cfg.Signing.KeyFile, key.Algorithm, cfg.Signing.Algorithm)
	}
	log.LogInfoWithFields("signing", "Loaded signing keys", map[string]any{
		"kid":       key.KeyID,
		"algorithm": key.Algorithm,
		"fallbacks": len(cfg.Signing.FallbackKeyFiles),
	})
	return provider, nil
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(cfg config.Config, handlers *server.OAuthHandlers, engine *token.Engine, m *metrics.Metrics, health func(context.Context) error) http.Handler {
	mux := http.NewServeMux()

	corsMiddleware := server.NewCORSMiddleware(cfg.AllowedOrigins)
	securityHeaders := server.NewSecurityHeadersMiddleware()
	userAuth := server.NewBearerAuthMiddleware(engine, userAudience)

	// handle registers h with the shared chain. extra middleware runs inside
	// the shared chain, closest to the handler.
	handle := func(pattern string, h http.HandlerFunc, extra ...server.MiddlewareFunc) {
		chain := append(extra,
			corsMiddleware,
			securityHeaders,
			server.NewMetricsMiddleware(m, pattern),
			server.NewLoggerMiddleware("oauth"),
			server.NewRecoverMiddleware("oauth"),
		)
		mux.Handle(pattern, server.ChainMiddleware(h, chain...))
	}

	mux.Handle("/health", server.NewHealthHandler(health))
	mux.Handle("/metrics", m.Handler())

	handle("/.well-known/openid-configuration", handlers.DiscoveryHandler)
	handle("/.well-known/jwks.json", handlers.JWKSHandler)
	handle("/token", handlers.TokenHandler)
	handle("/token/revoke", handlers.RevokeHandler)
	handle("/introspect", handlers.IntrospectHandler)
	handle("/device_authorization", handlers.DeviceAuthorizationHandler)
	handle("/device/verify", handlers.DeviceVerifyHandler, userAuth)
	handle("/authorize", handlers.AuthorizeHandler, userAuth)
	handle("/userinfo", handlers.UserInfoHandler)
	handle("/endsession", handlers.EndSessionHandler)

	return mux
}
