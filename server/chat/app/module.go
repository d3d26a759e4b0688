package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"eventchat/server/chat/api"
	"eventchat/server/chat/repository"
	"eventchat/server/chat/repository/migrations"
	"eventchat/server/chat/service"
	commonauth "eventchat/server/common/auth"
	"eventchat/server/common/infra/broker"
	"eventchat/server/common/infra/cache"
	"eventchat/server/common/infra/db"
	"eventchat/server/common/infra/mq"
	commonlog "eventchat/server/common/log"
)

const startupTimeout = 10 * time.Second

// Module composes the chat server: config, stores, registries, dispatcher,
// the chat service and the HTTP/WebSocket surface.
func Module() fx.Option {
	return fx.Module("chat",
		fx.Provide(
			LoadConfig,
			provideAuth,
			providePostgres,
			provideRedis,
			provideNATS,
			provideAMQP,
			provideRepositories,
			provideBroker,
			provideDispatcher,
			providePresence,
			provideChatService,
			provideHandler,
			provideHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// Repositories groups the storage ports for the configured STORE_DRIVER.
type Repositories struct {
	Messages   service.MessageRepository
	Aggregates service.AggregateRepository
	Presence   service.PresenceRepository
	Directory  service.Directory
}

func provideAuth(cfg Config) *commonauth.Service {
	return commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
}

func providePostgres(lc fx.Lifecycle, cfg Config) (*pgxpool.Pool, error) {
	if cfg.StoreDriver != StorePostgres {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	pool, err := db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}
	if cfg.MigrateOnStart {
		result, err := db.Migrate(cfg.PostgresDSN, migrations.FS)
		if err != nil {
			pool.Close()
			return nil, err
		}
		commonlog.Infof("event=chat_startup action=migrate status=ok version=%d changed=%t", result.Version, result.Changed)
	}
	lc.Append(fx.StopHook(pool.Close))
	return pool, nil
}

func provideRedis(lc fx.Lifecycle, cfg Config) (*redis.Client, error) {
	if !cfg.RedisEnabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	client := cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	lc.Append(fx.StopHook(client.Close))
	return client, nil
}

func provideNATS(lc fx.Lifecycle, cfg Config) (*nats.Conn, error) {
	if cfg.DispatchBroker != BrokerNATS {
		return nil, nil
	}
	nc, err := broker.NewNATSConnection(cfg.NATSURL, "eventchat")
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(nc.Drain))
	return nc, nil
}

func provideAMQP(lc fx.Lifecycle, cfg Config) (*service.AMQPPublisher, error) {
	if !cfg.UseMQ {
		return nil, nil
	}
	conn, err := mq.NewConnection(cfg.LavinMQURL)
	if err != nil {
		return nil, fmt.Errorf("initialize lavinmq: %w", err)
	}
	publisher, err := service.NewAMQPPublisher(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize amqp publisher: %w", err)
	}
	lc.Append(fx.StopHook(func() error {
		publisher.Close()
		return closeAMQP(conn)
	}))
	return publisher, nil
}

func closeAMQP(conn *amqp.Connection) error {
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func provideRepositories(cfg Config, pool *pgxpool.Pool) Repositories {
	if cfg.StoreDriver == StorePostgres && pool != nil {
		pg := repository.NewPostgresRepository(pool)
		return Repositories{Messages: pg, Aggregates: pg, Presence: pg, Directory: pg}
	}
	return Repositories{
		Messages:   repository.NewMemoryMessages(),
		Aggregates: repository.NewMemoryAggregates(),
		Presence:   repository.NewMemoryPresence(),
		Directory:  repository.NewStaticDirectory(),
	}
}

func provideBroker(cfg Config, redisClient *redis.Client, nc *nats.Conn) service.Broker {
	switch {
	case cfg.DispatchBroker == BrokerRedis && redisClient != nil:
		return service.NewRedisBroker(redisClient)
	case cfg.DispatchBroker == BrokerNATS && nc != nil:
		return service.NewNATSBroker(nc)
	}
	return nil
}

func provideDispatcher(b service.Broker) *service.Dispatcher {
	return service.NewDispatcher(b)
}

func providePresence(cfg Config, repos Repositories) *service.PresenceRegistry {
	return service.NewPresenceRegistry(repos.Presence, nil, cfg.PresenceFlushInterval)
}

func provideChatService(cfg Config, repos Repositories, presence *service.PresenceRegistry, dispatcher *service.Dispatcher, redisClient *redis.Client, publisher *service.AMQPPublisher) *service.ChatService {
	deps := service.ChatServiceDeps{
		Messages:    service.NewMessageStore(repos.Messages, nil),
		Aggregates:  service.NewAggregateStore(repos.Aggregates, repos.Directory),
		Presence:    presence,
		Connections: service.NewConnectionRegistry(nil),
		Keys:        service.NewKeyProvider(redisClient),
		Dispatcher:  dispatcher,
		Directory:   repos.Directory,
	}
	// Only assign non-nil values so the interfaces stay nil when a backend is off.
	if publisher != nil {
		deps.Publisher = publisher
	}
	if redisClient != nil {
		deps.SendGuard = service.NewRedisSendGuard(redisClient)
	}
	if cfg.SMTP.Enabled() {
		deps.Notifier = service.NewMailNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, cfg.SMTP.Cooldown)
	}
	return service.NewChatService(deps)
}

func provideHandler(cfg Config, chat *service.ChatService, auth *commonauth.Service) *api.Handler {
	resolver := service.NewIdentityResolver(auth, cfg.AllowDeclaredIdentity)
	return api.NewHandler(chat, resolver, auth, api.WSConfig{
		AllowedOrigins: cfg.WSAllowedOrigins,
		SendBuffer:     cfg.WSSendBuffer,
	})
}

func provideHTTPServer(cfg Config, h *api.Handler) *http.Server {
	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)
	return &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

func registerLifecycle(lc fx.Lifecycle, cfg Config, srv *http.Server, presence *service.PresenceRegistry, dispatcher *service.Dispatcher, chat *service.ChatService) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := presence.Restore(ctx); err != nil {
				return fmt.Errorf("restore presence: %w", err)
			}
			presence.Start(context.Background())
			if err := dispatcher.Start(context.Background()); err != nil {
				presence.Stop(ctx)
				return fmt.Errorf("start dispatcher: %w", err)
			}
			go func() {
				commonlog.Infof("event=chat_startup action=listen status=ok addr=%s store=%s broker=%s", srv.Addr, cfg.StoreDriver, cfg.DispatchBroker)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					commonlog.Exceptionf("event=chat_startup action=listen status=failed error=%v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Shutdown does not track hijacked websocket connections.
			err := srv.Shutdown(ctx)
			if closeErr := chat.CloseSessions(ctx); closeErr != nil {
				commonlog.Warnf("event=chat_shutdown action=close_sessions status=failed error=%v", closeErr)
				err = errors.Join(err, closeErr)
			}
			dispatcher.Stop()
			presence.Stop(ctx)
			commonlog.Infof("event=chat_shutdown action=stop status=ok")
			commonlog.Sync()
			return err
		},
	})
}
