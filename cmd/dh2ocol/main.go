package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dh2ocol/internal/auth"
	"dh2ocol/internal/config"
	"dh2ocol/internal/dbcompat"
	"dh2ocol/internal/media"
	"dh2ocol/internal/server"
	"dh2ocol/internal/storage"
	"dh2ocol/internal/storage/fakes3"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// devStore serves a local object store so the admin panel can be used
// without cloud credentials. Objects are kept under dataDir, or lost on exit
// when dataDir is empty.
func devStore(ctx context.Context, eg *errgroup.Group, addr string, dataDir string, cfg config.Storage) (*storage.Gateway, error) {
	bucket := cfg.BucketName()
	if bucket == "" {
		bucket = "dh2ocol-dev"
	}
	accessKey, secretKey := cfg.AccessKey, cfg.SecretKey
	if accessKey == "" || secretKey == "" {
		accessKey, secretKey = "devaccess", "devsecret"
	}

	fake := fakes3.New(cfg.Region, bucket)
	if dataDir != "" {
		var err error
		if fake, err = fakes3.Open(dataDir, cfg.Region, bucket); err != nil {
			return nil, fmt.Errorf("dev store data: %w", err)
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dev store listen: %w", err)
	}
	fake.RequireAuth(auth.NewAwsHmacAuthEngine(accessKey, secretKey))

	srv := &http.Server{
		Handler:           server.LogRequest(fake.Handler()),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		slog.Info("Starting development object store", "addr", ln.Addr().String(), "bucket", bucket, "data_dir", dataDir)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	store, err := storage.NewMinioStore(storage.MinioOptions{
		Endpoint:  ln.Addr().String(),
		Region:    cfg.Region,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
	})
	if err != nil {
		return nil, err
	}

	// Objects are readable straight from the dev store, so public URLs
	// point at it.
	return storage.NewGateway(store, storage.GatewayOptions{
		URLs: storage.URLFormat{
			Scheme:     "http",
			PublicHost: ln.Addr().String(),
			Bucket:     bucket,
			Style:      storage.PathStyle,
		},
	}), nil
}

func Run(ctx context.Context) error {

	listenAddr := flag.String("listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	httpsAddr := flag.String("https-listen", ":8443", "HTTPS listen address")
	certFile := flag.String("tls-cert", "", "TLS certificate file, enables HTTPS")
	keyFile := flag.String("tls-key", "", "TLS key file, enables HTTPS")
	devStoreAddr := flag.String("dev-store", "", "serve a local object store on this address instead of the configured one")
	devStoreDir := flag.String("dev-store-dir", "", "directory the local object store persists to, memory only when empty")
	debug := flag.Bool("debug", false, "enable debug logging")

	flag.Parse()

	level := log.InfoLevel
	if *debug {
		level = log.DebugLevel
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	var opts []config.ConfigOption
	if *listenAddr != "" {
		opts = append(opts, config.WithListenAddr(*listenAddr))
	}

	cfg, err := config.Load(opts...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := dbcompat.NewManager(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := media.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)

	var gateway *storage.Gateway
	if *devStoreAddr != "" {
		gateway, err = devStore(ctx, eg, *devStoreAddr, *devStoreDir, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to start development object store: %w", err)
		}
	} else {
		gateway = storage.New(cfg.Storage)
	}

	tokens, err := auth.NewTokenManager(cfg.Auth)
	if err != nil {
		slog.Warn("Token authentication disabled", "err", err)
	}

	var accounts *auth.BasicAuthEngine
	if cfg.Auth.AdminPassword != "" {
		accounts = auth.NewBasicAuthEngine(cfg.Auth.AdminUsername, cfg.Auth.AdminPassword)
	} else {
		slog.Warn("ADMIN_PASSWORD is not set, admin login disabled")
	}

	srv, err := server.NewServer(server.Config{
		DB:             db,
		Gateway:        gateway,
		Tokens:         tokens,
		Accounts:       accounts,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	router := srv.Handler()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              *httpsAddr,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	shutdown := func(s *http.Server) func() error {
		return func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		}
	}

	eg.Go(shutdown(httpsServer))
	eg.Go(shutdown(httpServer))

	eg.Go(func() error {
		if *certFile == "" || *keyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting HTTPS server", "addr", *httpsAddr)
		err := httpsServer.ListenAndServeTLS(*certFile, *keyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting HTTP server", "addr", cfg.ListenAddr, "environment", cfg.Environment, "database", db.Engine(), "storage_available", gateway.IsAvailable())
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Run(ctx)
	stop()

	if err != nil {
		slog.Error("dh2ocol exited with error", "error", err)
		os.Exit(1)
	}
}
