package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"driverlink/internal/auth"
	"driverlink/internal/config"
	"driverlink/internal/journal"
	"driverlink/internal/lifecycle"
	"driverlink/internal/logger"
	"driverlink/internal/present"
	"driverlink/internal/reconcile"
	"driverlink/internal/session"
	"driverlink/internal/transport"
)

// Run wires the driver agent and blocks until ctx is cancelled.
func Run(ctx context.Context, configPath string) error {
	log := logger.New("driver-agent")

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		log.Error(ctx, "config_load_failed", "Failed to load configuration", err, nil)
		return err
	}

	ctx = log.WithDriverID(ctx, cfg.Driver.ID)
	log.Info(ctx, "agent_starting", "Driver agent starting", map[string]any{
		"driver": cfg.Driver.Name, "transport": cfg.Transport.Kind,
	})

	// token may be supplied directly or minted from the shared JWT secret
	token := cfg.Driver.Token
	if token == "" {
		mgr, err := auth.NewManager(cfg.JWT.SecretKey, 12*time.Hour)
		if err != nil {
			log.Error(ctx, "auth_setup_failed", "Failed to initialize JWT manager", err, nil)
			return err
		}
		token, err = mgr.IssueDriverToken(cfg.Driver.ID)
		if err != nil {
			log.Error(ctx, "token_issue_failed", "Failed to issue driver token", err, nil)
			return err
		}
	}

	sess, err := session.New(cfg.Driver.ID, cfg.Driver.Name, token)
	if err != nil {
		log.Error(ctx, "session_invalid", "Invalid driver session", err, nil)
		return err
	}

	// settlement journal: Postgres when configured, memory otherwise
	var jrnl journal.Journal = journal.NewMemory()
	if cfg.JournalEnabled() {
		pool, err := journal.NewPool(ctx, journal.PGConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Name,
		}, log)
		if err != nil {
			log.Error(ctx, "journal_db_failed", "Failed to connect to settlement journal database", err, nil)
			return err
		}
		defer pool.Close()
		jrnl = journal.NewPG(pool)
	}

	channel, err := dialChannel(ctx, cfg, sess, log)
	if err != nil {
		log.Error(ctx, "transport_dial_failed", "Failed to open backend channel", err, nil)
		return err
	}
	defer channel.Close()

	fetcher, err := reconcile.NewHTTPFetcher(cfg.Backend.BaseURL, sess, log)
	if err != nil {
		log.Error(ctx, "fetcher_setup_failed", "Failed to initialize status fetcher", err, nil)
		return err
	}

	coord := lifecycle.NewCoordinator(sess, channel, fetcher, jrnl, lifecycle.Options{
		AckTimeout:           time.Duration(cfg.Agent.AckTimeoutSeconds) * time.Second,
		ReconnectGrace:       time.Duration(cfg.Agent.ReconnectGraceSeconds) * time.Second,
		ReconcileMaxAttempts: cfg.Agent.ReconcileMaxAttempts,
	}, log)

	dispatcher := lifecycle.NewDispatcher(coord, log)
	adapter := present.NewAdapter(coord, dispatcher, present.NewLogNavigator(log), log)

	// drain updates so a missing UI never stalls the coordinator
	go func() {
		for range adapter.Updates() {
		}
	}()

	// ops endpoint: metrics, health, and a state snapshot for debugging
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/debug/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		snap := adapter.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     snap.Status.String(),
			"offer":      snap.Offer,
			"active":     snap.Active,
			"connection": snap.Conn.String(),
		})
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	go func() {
		errCh <- coord.Run(ctx)
	}()

	log.Info(ctx, "agent_started", fmt.Sprintf("Driver agent started; ops on port %d", cfg.Ops.Port), map[string]any{
		"ops_port": cfg.Ops.Port,
	})

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info(ctx, "agent_stopping", "Driver agent shutting down", nil)
		if err := srv.Shutdown(shCtx); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "ops_shutdown_failed", "Failed to gracefully shut down ops server", err, nil)
		}
	case err := <-errCh:
		if err != nil {
			log.Error(ctx, "agent_failed", "Driver agent terminated with error", err, nil)
			return err
		}
	}

	log.Info(ctx, "agent_stopped", "Driver agent stopped", nil)
	return nil
}

// dialChannel opens the configured transport.
func dialChannel(ctx context.Context, cfg *config.Config, sess session.Session, log *logger.Logger) (transport.Channel, error) {
	switch cfg.Transport.Kind {
	case config.TransportRabbitMQ:
		amqpURL := url.URL{
			Scheme: "amqp",
			User:   url.UserPassword(cfg.RabbitMQ.User, cfg.RabbitMQ.Password),
			Host:   fmt.Sprintf("%s:%d", cfg.RabbitMQ.Host, cfg.RabbitMQ.Port),
			Path:   "/",
		}
		return transport.DialAMQP(ctx, sess, transport.AMQPOptions{URL: amqpURL.String()}, log)
	default:
		return transport.DialWS(ctx, sess, transport.WSOptions{URL: cfg.Transport.URL}, log)
	}
}
