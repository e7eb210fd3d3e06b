package cmd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/tmarkovic/chainsmith/api"
	"github.com/tmarkovic/chainsmith/ca"
	"github.com/tmarkovic/chainsmith/directory"
	"github.com/tmarkovic/chainsmith/grant"
	"github.com/tmarkovic/chainsmith/internal/util"
	"github.com/tmarkovic/chainsmith/keystore"
	"github.com/tmarkovic/chainsmith/storage"
	bboltstorage "github.com/tmarkovic/chainsmith/storage/bbolt"
	pgstorage "github.com/tmarkovic/chainsmith/storage/postgres"
)

var (
	port             int
	dataDir          string
	tlsCert          string
	tlsKey           string
	usersFile        string
	postgresDSN      string
	enableActivation bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		var repo storage.Repository
		if postgresDSN != "" {
			pg, err := pgstorage.NewRepositoryFromDSN(cmd.Context(), postgresDSN)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer pg.Close()
			repo = pg
		} else {
			db, err := bboltstorage.NewRepositoryFromFile(dataDir+"/chainsmith.db", nil)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer db.Close()
			repo = db
		}

		masterKey, err := loadOrCreateMasterKey(dataDir + "/master.key")
		if err != nil {
			return err
		}
		keys, err := keystore.NewStoredKeyStore(repo, masterKey)
		if err != nil {
			return fmt.Errorf("failed to open key store: %w", err)
		}

		store := ca.NewStore(repo)
		ledger := ca.NewLedger(repo, store)
		validator := ca.NewValidator(store, ledger)
		engine := ca.NewEngine(store, keys, ledger, validator)
		vault := grant.NewVault(repo)

		dir, err := loadDirectory(usersFile)
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		opts := []api.Option{
			api.WithLogger(logger),
			api.WithAlerts(func(e api.AlertEvent) {
				logger.Warn("alert",
					"type", string(e.Type),
					"message", e.Message,
					"count", e.Count,
					"threshold", e.Threshold)
			}),
		}
		if enableActivation {
			opts = append(opts, api.WithActivationCodes(directory.NewActivationCodes(repo)))
		}
		a := api.New(engine, keys, vault, dir, opts...)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s)...\n", port, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// loadOrCreateMasterKey reads the key wrapping key, generating and
// persisting one on first start.
func loadOrCreateMasterKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	key, err = keystore.NewMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist master key: %w", err)
	}
	fmt.Printf("Generated new master key at %s\n", path)
	return key, nil
}

// loadDirectory builds the user directory from a JSON file of UserInfo
// entries. Without one, a single admin user is bootstrapped.
func loadDirectory(path string) (directory.Directory, error) {
	if path == "" {
		fmt.Println("No users file given, bootstrapping single admin user \"admin\"")
		return directory.NewStaticDirectory(directory.UserInfo{
			ID:   "admin",
			Role: directory.RoleAdmin,
		}), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var users []directory.UserInfo
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	return directory.NewStaticDirectory(users...), nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringVar(&usersFile, "users-file", "", "Path to JSON file with directory users")
	serverCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL DSN (uses embedded BBolt storage when empty)")
	serverCmd.Flags().BoolVar(&enableActivation, "enable-activation", false, "Enable activation code endpoints")
}
