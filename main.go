package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shellport/shellport/internal/audit"
	"github.com/shellport/shellport/internal/config"
	"github.com/shellport/shellport/internal/credentials"
	"github.com/shellport/shellport/internal/database"
	"github.com/shellport/shellport/internal/events"
	"github.com/shellport/shellport/internal/handlers"
	"github.com/shellport/shellport/internal/hostkey"
	"github.com/shellport/shellport/internal/logging"
	"github.com/shellport/shellport/internal/middleware"
	"github.com/shellport/shellport/internal/session"
	"github.com/shellport/shellport/internal/sftpfs"
	"github.com/shellport/shellport/internal/sshconn"
	"github.com/shellport/shellport/internal/vault"
	"github.com/spf13/cobra"
)

var (
	flagListen   string
	flagDataPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "shellport",
		Short:         "Browser-facing SSH session service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDataPath != "" {
				if err := os.Setenv("SHELLPORT_DATA_PATH", flagDataPath); err != nil {
					return err
				}
			}
			config.Load()
			if flagListen != "" {
				config.Cfg.ListenAddr = flagListen
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&flagListen, "listen", "", "HTTP listen address (overrides SHELLPORT_LISTEN_ADDR)")
	cmd.PersistentFlags().StringVar(&flagDataPath, "data-path", "", "Data directory (overrides SHELLPORT_DATA_PATH)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVaultCmd())
	cmd.AddCommand(newServersCmd())
	cmd.AddCommand(newTestConnectionCmd())
	cmd.AddCommand(newAliasesCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

// services holds everything built on top of the database. close releases
// them in reverse order.
type services struct {
	bus       *events.Bus
	auditor   *audit.Auditor
	vault     *vault.Vault
	creds     *credentials.Resolver
	hostKeys  *hostkey.Checker
	sessions  *session.Registry
	dialOpts  []sshconn.Option
	scheduler *audit.Scheduler
}

// openServices opens the database and builds the service graph. The purge
// scheduler is only started when withScheduler is set.
func openServices(withScheduler bool) (*services, error) {
	if err := database.Init(); err != nil {
		return nil, fmt.Errorf("database init: %w", err)
	}

	s := &services{bus: events.New()}
	s.auditor = audit.New(database.DB, config.Cfg.AuditRetentionDays)
	s.vault = vault.New(database.DB)
	var credOpts []credentials.Option
	if config.Cfg.SSHConfigPath != "" {
		credOpts = append(credOpts, credentials.WithSSHConfigPath(config.Cfg.SSHConfigPath))
	}
	s.creds = credentials.New(database.DB, s.vault, credOpts...)
	s.hostKeys = hostkey.New(config.Cfg.KnownHostsPath, s.bus, hostkey.WithAuditor(s.auditor))

	s.dialOpts = []sshconn.Option{sshconn.WithIOTimeout(config.Cfg.IOTimeout)}
	if config.Cfg.StrictHostKeys {
		s.dialOpts = append(s.dialOpts, sshconn.WithHostKeyCallback(s.hostKeys.Callback()))
		log.Printf("Strict host key checking enabled (%s)", s.hostKeys.Path())
	}

	rl := session.DefaultRateLimitConfig()
	s.sessions = session.New(s.bus, session.Options{
		DialOptions: s.dialOpts,
		FSOptions:   []sftpfs.Option{sftpfs.WithTextLimit(config.Cfg.TextReadLimitBytes())},
		Auditor:     s.auditor,
		RateLimit:   &rl,
		MaxSessions: config.Cfg.MaxSessions,
		PumpIdle:    config.Cfg.PumpIdle,
	})

	if withScheduler {
		sched, err := audit.StartPurgeScheduler(s.auditor, config.Cfg.AuditPurgeSchedule)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("audit purge scheduler: %w", err)
		}
		s.scheduler = sched
	}
	return s, nil
}

func (s *services) close() {
	s.sessions.CloseAll()
	if s.scheduler != nil {
		<-s.scheduler.Stop().Done()
	}
	if err := database.Close(); err != nil {
		log.Printf("Database close: %v", err)
	}
}

// install publishes the services to the HTTP handlers.
func (s *services) install() {
	handlers.Bus = s.bus
	handlers.AuditLog = s.auditor
	handlers.Vault = s.vault
	handlers.Creds = s.creds
	handlers.HostKeys = s.hostKeys
	handlers.Sessions = s.sessions
	handlers.ProbeOptions = s.dialOpts
}

func newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(config.Cfg.APIToken))

		// Sessions
		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions/{id}", handlers.ConnectSession)
		r.Get("/sessions/{id}/status", handlers.SessionStatus)
		r.Delete("/sessions/{id}", handlers.DisconnectSession)
		r.Get("/sessions/{id}/terminal", handlers.TerminalWS)
		r.Get("/sessions/{id}/metrics/{family}", handlers.GetMetrics)

		// File manager
		r.Route("/sessions/{id}/files", func(r chi.Router) {
			r.Get("/list", handlers.ListFiles)
			r.Get("/home", handlers.HomeDir)
			r.Get("/read", handlers.ReadFile)
			r.Put("/write", handlers.WriteFile)
			r.Post("/mkdir", handlers.Mkdir)
			r.Post("/create", handlers.CreateFile)
			r.Post("/rename", handlers.RenameFile)
			r.Post("/delete", handlers.DeleteFile)
			r.Post("/copy", handlers.CopyFile)
			r.Post("/chmod", handlers.ChmodFile)
			r.Get("/download", handlers.DownloadFile)
			r.Post("/upload", handlers.UploadFile)
		})

		// Vault
		r.Get("/vault/status", handlers.VaultStatus)
		r.Post("/vault/init", handlers.InitVault)
		r.Post("/vault/unlock", handlers.UnlockVault)
		r.Post("/vault/lock", handlers.LockVault)
		r.Get("/vault/keys", handlers.ListKeys)
		r.Post("/vault/keys", handlers.AddKey)
		r.Put("/vault/keys/{keyId}", handlers.UpdateKey)
		r.Delete("/vault/keys/{keyId}", handlers.DeleteKey)
		r.Get("/vault/keys/{keyId}/associations", handlers.KeyAssociations)

		// Host keys
		r.Post("/hostkeys/check", handlers.CheckHostKey)
		r.Post("/hostkeys/trust", handlers.TrustHostKey)

		// Servers
		r.Get("/servers", handlers.ListServers)
		r.Post("/servers", handlers.CreateServer)
		r.Get("/servers/{serverId}", handlers.GetServer)
		r.Put("/servers/{serverId}", handlers.UpdateServer)
		r.Delete("/servers/{serverId}", handlers.DeleteServer)
		r.Post("/servers/{serverId}/test", handlers.ProbeServer)
		r.Get("/aliases", handlers.ListAliases)

		// Audit and service logs
		r.Get("/audit", handlers.GetAuditLogs)
		r.Post("/audit/purge", handlers.PurgeAuditLogs)
		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})
	return r
}

func serve() error {
	logging.Init()
	defer logging.Close()

	svc, err := openServices(true)
	if err != nil {
		return err
	}
	svc.install()

	log.Printf("Config: DataPath=%s, Listen=%s, StrictHostKeys=%v, MaxSessions=%d, AuthToken=%v",
		config.Cfg.DataPath, config.Cfg.ListenAddr, config.Cfg.StrictHostKeys,
		config.Cfg.MaxSessions, config.Cfg.APIToken != "")

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: newRouter(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-sigCtx.Done():
	case err := <-errCh:
		svc.close()
		return fmt.Errorf("server error: %w", err)
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	svc.close()
	log.Println("Server stopped")
	return nil
}
