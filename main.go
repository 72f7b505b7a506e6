package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"govorilka/internal/auth"
	"govorilka/internal/commands"
	"govorilka/internal/config"
	"govorilka/internal/conversation"
	"govorilka/internal/filestore"
	"govorilka/internal/http"
	"govorilka/internal/message"
	"govorilka/internal/presence"
	"govorilka/internal/push"
	"govorilka/internal/storage"
	"govorilka/internal/ws"

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

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	tracker := presence.NewTracker(ctx, authService, cfg.HeartbeatInterval)
	notifier := push.NewNotifier(bbStorage, push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.PushSubscriber,
	})
	hub := ws.NewHub(tracker, notifier)
	messages := message.NewStore(bbStorage, authService, hub)
	conversations := conversation.NewAggregator(bbStorage, authService)

	adminServer := http.NewAdminServer(authService, hub, cfg.BaseURL, cfg.AdminPassword, cfg.AdminAddr)
	apiServer := http.NewAPIServer(http.APIServerDeps{
		Auth:           authService,
		Hub:            hub,
		Messages:       messages,
		Conversations:  conversations,
		Tracker:        tracker,
		Storage:        bbStorage,
		Files:          files,
		VAPIDPublicKey: cfg.VAPIDPublicKey,
	}, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

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
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (prints the registration setup link)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
