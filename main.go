package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dialog/internal/auth"
	"dialog/internal/commands"
	"dialog/internal/config"
	"dialog/internal/fanout"
	"dialog/internal/http"
	"dialog/internal/storage"
	"dialog/internal/ws"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load(addUser != "")
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, cfg)
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, store)
	if err != nil {
		return err
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	// The NATS client is constructed here and handed to the components
	// that need it; its lifecycle belongs to this composition root.
	// Without NATS_URL the core runs single-instance.
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.Name("dialog-"+instanceID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return err
		}
		defer nc.Close()
	}

	var fanoutConn fanout.Conn
	if nc != nil {
		fanoutConn = nc
	}

	hub := ws.NewHub(store, fanoutConn, ws.Config{
		InstanceID:     instanceID,
		PushTimeout:    cfg.PushTimeout,
		TypingExpiry:   cfg.TypingExpiry,
		MaxContentSize: cfg.MaxContentSize,
	})

	apiServer := http.NewAPIServer(authService, hub, store, cfg.APIAddr, cfg.IdleTimeout)

	slog.Info("starting", "instance_id", instanceID, "addr", cfg.APIAddr, "fanout", nc != nil)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}

		// Deregister every local handle so presence goes offline and
		// fanout subscriptions are released before we exit.
		hub.Shutdown()
		if nc != nil {
			if err := nc.Drain(); err != nil {
				log.Printf("NATS drain error: %v", err)
			}
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (creates user with random password and prints details)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
