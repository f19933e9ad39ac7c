package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgraph-io/badger/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"google.golang.org/api/iterator"

	"marketchat/internal/adapter/api"
	"marketchat/internal/adapter/api/handler"
	apimiddleware "marketchat/internal/adapter/api/middleware"
	"marketchat/internal/adapter/api/router"
	"marketchat/internal/adapter/repository"
	domainrepo "marketchat/internal/domain/repository"
	"marketchat/internal/infrastructure/auth"
	"marketchat/internal/infrastructure/firebase"
	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

type stores struct {
	chats    domainrepo.ChatRepository
	listings domainrepo.ListingRepository
	ping     handler.PingerFunc
	close    func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifiers := apimiddleware.ChainVerifier{}
	var store stores

	switch cfg.StoreDriver {
	case config.StoreFirestore:
		opt, err := firebase.ClientOption(cfg)
		if err != nil {
			logger.Fatal("Failed to resolve Firebase credentials: %v", err)
		}
		app, err := firebase.NewApp(ctx, cfg, opt)
		if err != nil {
			logger.Fatal("%v", err)
		}
		authClient, err := app.Auth(ctx)
		if err != nil {
			logger.Fatal("Failed to initialize Firebase Auth: %v", err)
		}
		verifiers = append(verifiers, firebase.NewFirebaseAuthClient(authClient))

		client, err := firestore.NewClient(ctx, cfg.FirebaseProject, opt)
		if err != nil {
			logger.Fatal("Failed to create Firestore client: %v", err)
		}
		store = firestoreStores(client)

	case config.StoreBadger:
		db, err := badger.Open(badger.DefaultOptions(cfg.BadgerPath).WithLoggingLevel(badger.WARNING))
		if err != nil {
			logger.Fatal("Failed to open badger at %s: %v", cfg.BadgerPath, err)
		}
		store = badgerStores(db)
	}
	defer store.close()

	devTokens := auth.NewDevTokens(cfg.JWTSecret, cfg.TokenTTL())
	verifiers = append(verifiers, devTokens)

	wsManager := websocket.NewManager(logger.Module("websocket"))
	wsManager.Start(ctx)

	limiter := ratelimit.NewRateLimiter(ratelimit.DefaultPolicies())
	limiter.StartCleanupRoutine(ctx, 30*time.Minute)

	chatUseCase := usecase.NewChatUseCase(
		store.chats,
		store.listings,
		wsManager,
		limiter,
		usecase.ChatConfig{
			StoreTimeout:     cfg.StoreTimeout,
			ConflictRetries:  cfg.ConflictRetries,
			MaxMessageLength: cfg.MaxMessageLength,
		},
		logger.Module("chat"),
	)
	wsManager.SetChatService(chatUseCase)

	handler.SetupHealthHandler(cfg.StoreDriver, store.ping)
	handler.SetupDevTokenHandler(devTokens, store.listings)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Validator = api.NewValidator()

	authMiddleware := apimiddleware.NewAuthMiddleware(verifiers)
	router.Setup(e, router.Deps{
		Auth:        authMiddleware,
		Limiter:     limiter,
		Chat:        handler.NewChatHandler(chatUseCase),
		WebSocket:   handler.NewWebSocketHandler(wsManager, authMiddleware, cfg.WSSendBuffer),
		Environment: cfg.Environment,
	})

	go func() {
		logger.Info("Starting server on port %s (store: %s)", cfg.ServerPort, cfg.StoreDriver)
		if err := e.Start(":" + cfg.ServerPort); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsManager.Stop()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed: %v", err)
	}
}

func firestoreStores(client *firestore.Client) stores {
	return stores{
		chats:    repository.NewFirestoreChatRepository(client),
		listings: repository.NewFirestoreListingRepository(client),
		ping: func(ctx context.Context) error {
			_, err := client.Collection("chat_groups").Limit(1).Documents(ctx).Next()
			if err == iterator.Done {
				return nil
			}
			return err
		},
		close: func() {
			if err := client.Close(); err != nil {
				logger.Error("Failed to close Firestore client: %v", err)
			}
		},
	}
}

func badgerStores(db *badger.DB) stores {
	return stores{
		chats:    repository.NewBadgerChatRepository(db),
		listings: repository.NewBadgerListingRepository(db),
		ping: func(context.Context) error {
			if db.IsClosed() {
				return stderrors.New("badger is closed")
			}
			return nil
		},
		close: func() {
			if err := db.Close(); err != nil {
				logger.Error("Failed to close badger: %v", err)
			}
		},
	}
}
