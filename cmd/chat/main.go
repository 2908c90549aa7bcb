package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-client/internal/config"
	"github.com/noah-isme/gema-chat-client/internal/database"
	"github.com/noah-isme/gema-chat-client/internal/dto"
	"github.com/noah-isme/gema-chat-client/internal/models"
	"github.com/noah-isme/gema-chat-client/internal/observability"
	"github.com/noah-isme/gema-chat-client/internal/repository"
	"github.com/noah-isme/gema-chat-client/internal/service"
	"github.com/noah-isme/gema-chat-client/pkg/chatapi"
)

type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	client    *chatapi.Client
	store     *service.SessionStore
	tokens    *service.TokenGatekeeper
	auth      *service.AuthService
	roster    *service.RosterSynchronizer
	profile   *service.ProfileService
	messenger *service.Messenger
	closers   []func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("app", cfg.AppName).Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start chat client: %v", err)
	}
	defer a.close()

	if cfg.MetricsAddr != "" {
		metrics := observability.NewMetricsApp()
		go func() {
			if err := metrics.Listen(cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		a.closers = append(a.closers, func() error { return shutdownApp(metrics) })
	}

	if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.close()
		log.Fatalf("chat client failed: %v", err)
	}
}

func build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := database.ConnectSQLite(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	secrets, err := repository.NewSecretRepository(db, cfg.CredentialKey)
	if err != nil {
		a.close()
		return nil, err
	}

	var redisClient *redis.Client
	cacheRepo := repository.NewGormCacheRepository(db)
	if cfg.CacheBackend == config.CacheBackendRedis {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, redisClient.Close)
		cacheRepo = repository.NewRedisCacheRepository(redisClient, cfg.CachePrefix)
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, session events stay local")
		} else {
			a.closers = append(a.closers, func() error { natsConn.Close(); return nil })
		}
	}

	a.client, err = chatapi.New(chatapi.Config{
		BaseURL: cfg.APIURL,
		Timeout: cfg.HTTPTimeout,
		Logger:  logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.store, err = service.NewSessionStore(cacheRepo, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	reach := service.NewReachability(a.client, cfg.ProbeTTL, logger)

	a.tokens = service.NewTokenGatekeeper(secrets, a.client, logger)
	a.auth = service.NewAuthService(a.client, a.tokens, a.store, validate, service.DefaultResendPeriod, logger)
	a.roster = service.NewRosterSynchronizer(a.client, a.store, a.tokens, reach, logger)
	a.profile = service.NewProfileService(a.client, a.roster, a.store, a.tokens, validate, logger)
	a.messenger = service.NewMessenger(service.MessengerConfig{
		SocketURL: cfg.RoomSocketURL,
		Dialer:    service.NewWebsocketDialer(cfg.HTTPTimeout),
		Store:     a.store,
		Roster:    a.roster,
		Tokens:    a.tokens,
		Net:       reach,
		Publisher: service.NewBrokerPublisher(natsConn, cfg.NATSSubject, redisClient, cfg.AppName, logger),
		Validator: validate,
		Debounce:  cfg.TypingDebounce,
		Logger:    logger,
	})

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Debug().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

func (a *app) run(ctx context.Context) error {
	if err := a.signIn(ctx); err != nil {
		return err
	}

	me, err := a.roster.LoadCurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("load current user: %w", err)
	}
	users, err := a.roster.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	if added, err := a.roster.LoadUnreadBacklog(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("unread backlog not loaded")
	} else if added > 0 {
		fmt.Printf("%d unread message(s) cached\n", added)
	}

	peer, err := pickPeer(a.roster.Peers(users, me.ID), a.cfg.Peer)
	if err != nil {
		return err
	}

	session, err := a.messenger.Open(ctx, service.OpenOptions{CurrentUser: me, Peer: peer, RefreshHistory: true})
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	defer session.Close()

	fmt.Printf("chatting with %s in %s (/quit to leave, /bio <text> to edit your bio)\n", peer.DisplayName(), session.RoomID())
	history := session.Messages()
	for i := len(history) - 1; i >= 0; i-- {
		printMessage(history[i])
	}

	go a.printEvents(session)

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			fmt.Println("connection closed")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.handleLine(ctx, session, line); quit {
				return nil
			}
		}
	}
}

func (a *app) signIn(ctx context.Context) error {
	ok, err := a.auth.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if ok {
		return nil
	}
	if a.cfg.AuthEmail == "" || a.cfg.AuthPassword == "" {
		return fmt.Errorf("not signed in: set GEMA_AUTH_EMAIL and GEMA_AUTH_PASSWORD")
	}
	if err := a.auth.Login(ctx, a.cfg.AuthEmail, a.cfg.AuthPassword); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

func (a *app) handleLine(ctx context.Context, session *service.ChatSession, line string) bool {
	switch {
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "/bio "):
		user, err := a.profile.Update(ctx, dto.ProfileUpdateRequest{Bio: strings.TrimPrefix(line, "/bio ")})
		if err != nil {
			fmt.Printf("profile not updated: %v\n", err)
			return false
		}
		fmt.Printf("bio updated for %s\n", user.DisplayName())
		return false
	}

	session.NotifyTyping(ctx)
	if _, err := session.Send(ctx, line); err != nil && !errors.Is(err, service.ErrEmptyMessage) {
		fmt.Printf("not sent: %v\n", err)
	}
	return false
}

func (a *app) printEvents(session *service.ChatSession) {
	for {
		select {
		case <-session.Done():
			return
		case event := <-session.Events():
			switch event.Kind {
			case service.EventMessage:
				printMessage(*event.Message)
			case service.EventTyping:
				if event.Typing.Typing {
					fmt.Printf("%s is typing...\n", event.Typing.Peer)
				}
			case service.EventHistory:
				a.logger.Debug().Str("room_id", event.RoomID).Msg("history refreshed")
			case service.EventState:
				a.logger.Info().Str("room_id", event.RoomID).Str("state", event.State).Msg("session state changed")
			}
		}
	}
}

func pickPeer(peers []models.User, wanted string) (models.User, error) {
	if len(peers) == 0 {
		return models.User{}, fmt.Errorf("no other users to chat with")
	}
	if wanted == "" {
		return peers[0], nil
	}
	for _, peer := range peers {
		if strings.EqualFold(peer.Email, wanted) || strings.EqualFold(peer.Username, wanted) {
			return peer, nil
		}
	}
	return models.User{}, fmt.Errorf("peer %q not found", wanted)
}

func printMessage(message models.Message) {
	fmt.Printf("[%s] %s: %s\n", message.Timestamp, message.Sender, message.Body)
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func shutdownApp(app *fiber.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return app.ShutdownWithContext(ctx)
}
