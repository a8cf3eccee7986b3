// Command editsync-store runs the remote session store server: a
// bbolt-backed store served over WebSocket behind bearer-token auth.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nthall/editsync/internal/config"
	"github.com/nthall/editsync/internal/logging"
	"github.com/nthall/editsync/internal/server"
	"github.com/nthall/editsync/internal/store"
)

var Version = "dev"

func main() {
	// Handle hash-token subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		hashToken()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashToken reads a token on stdin and prints its bcrypt hash, for use
// as EDITSYNC_TOKEN_HASH.
func hashToken() {
	fmt.Fprint(os.Stderr, "Enter token: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(scanner.Text()), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	dbPath := cfg.StoreDB
	if dbPath == "" {
		dbPath, err = config.DefaultStoreDB()
		if err != nil {
			return fmt.Errorf("resolving store db path: %w", err)
		}
	}

	st, err := store.OpenBolt(dbPath, cfg.MaxSessionBytes)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.TokenHash == "" {
		logger.Warn("EDITSYNC_TOKEN_HASH is empty, auth is disabled")
	}

	mux := server.NewMux(server.MuxConfig{
		Store:     st,
		TokenHash: cfg.TokenHash,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("editsync-store starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("db", dbPath),
		slog.Int("max_session_bytes", cfg.MaxSessionBytes),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
