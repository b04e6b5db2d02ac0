// Package app wires configuration, logging, the catalog backend, the storage
// engine, and the HTTP surface together and runs the server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cosmian/findex-cloud/internal/api"
	"github.com/cosmian/findex-cloud/internal/catalog"
	"github.com/cosmian/findex-cloud/internal/config"
	"github.com/cosmian/findex-cloud/internal/debuglog"
	"github.com/cosmian/findex-cloud/internal/httpserver"
	"github.com/cosmian/findex-cloud/internal/oidcauth"
	"github.com/cosmian/findex-cloud/internal/platform"
	"github.com/cosmian/findex-cloud/internal/storage"
	"github.com/cosmian/findex-cloud/internal/storage/boltkv"
	"github.com/cosmian/findex-cloud/internal/storage/dynamokv"
	"github.com/cosmian/findex-cloud/internal/storage/pgkv"
	"github.com/cosmian/findex-cloud/internal/telemetry"
	"github.com/cosmian/findex-cloud/internal/tenantdir"
)

// Run is the main application entry point. It reads config, connects to the
// configured backends, and serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting findex-cloud",
		"listen", cfg.ListenAddr(),
		"indexes_backend", cfg.IndexesDatabaseType,
		"metadata_backend", cfg.MetadataDatabaseType,
		"multi_tenant", cfg.MultiTenant(),
	)

	// Postgres is needed by the embedded-sql catalog and the transactional-kv
	// engine; connect once if either is configured.
	var pool *pgxpool.Pool
	if cfg.MetadataDatabaseType == "embedded-sql" || cfg.IndexesDatabaseType == string(storage.KindTransactionalKV) {
		var err error
		pool, err = platform.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsCatalogDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
	}

	// Likewise one DynamoDB client serves both remote-conditional-kv roles.
	var dynamoClient *dynamodb.Client
	if cfg.MetadataDatabaseType == "remote-conditional-kv" || cfg.IndexesDatabaseType == string(storage.KindRemoteConditionalKV) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryMaxAttempts(10))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		dynamoClient = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.AWSDynamoDBEndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWSDynamoDBEndpointURL)
			}
		})
	}

	var store catalog.Store
	switch cfg.MetadataDatabaseType {
	case "embedded-sql":
		store = catalog.NewPostgresStore(pool)
	case "remote-conditional-kv":
		store = catalog.NewDynamoDBStore(dynamoClient, cfg.DynamoDBMetadataTable)
	default:
		return fmt.Errorf("unknown metadata database type %q", cfg.MetadataDatabaseType)
	}
	cache := catalog.NewCache(store)

	var engine storage.Engine
	switch storage.Kind(cfg.IndexesDatabaseType) {
	case storage.KindTransactionalKV:
		engine = pgkv.New(pool, cache, logger)
	case storage.KindNonTransactionalKV:
		boltEngine, err := boltkv.New(cfg.BoltDataDir, cache, logger)
		if err != nil {
			return fmt.Errorf("opening bolt backend: %w", err)
		}
		defer boltEngine.Close()
		engine = boltEngine
	case storage.KindRemoteConditionalKV:
		engine = dynamokv.New(dynamoClient, cfg.DynamoDBEntriesTable, cfg.DynamoDBChainsTable, logger)
	default:
		return storage.ErrUnknownKind(cfg.IndexesDatabaseType)
	}

	// OIDC authenticator and projects directory, multi-tenant mode only.
	var auth api.Authenticator
	var projects tenantdir.ProjectsClient = tenantdir.StaticClient{Allow: true}
	if cfg.MultiTenant() {
		oidcAuth, err := oidcauth.New(ctx, cfg.Auth0Domain, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing OIDC authenticator: %w", err)
		}
		auth = oidcAuth
		if cfg.BackendDomain != "" {
			projects = tenantdir.NewHTTPClient(cfg.BackendDomain)
		}
		logger.Info("multi-tenant mode enabled", "issuer", cfg.Auth0Domain)
	} else {
		logger.Info("single-tenant mode (AUTH0_DOMAIN or OIDC_CLIENT_ID not set)")
	}

	// Optional request-capture side channel, off unless a path is configured.
	var capture *debuglog.Writer
	if cfg.DebugLogPath != "" {
		capture = debuglog.NewWriter(cfg.DebugLogPath, logger)
		capture.Start(ctx)
		defer capture.Close()
		logger.Warn("request capture enabled, do not use in production", "path", cfg.DebugLogPath)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MetricsPath:        cfg.MetricsPath,
	}, logger, metricsReg, cache, engine)

	handler := api.NewHandler(logger, cache, engine, auth, projects, capture)
	srv.APIRouter.Mount("/indexes", handler.Routes())

	if cfg.StaticDir != "" {
		srv.Router.Handle("/ui/*", http.StripPrefix("/ui", http.FileServer(http.Dir(cfg.StaticDir))))
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
