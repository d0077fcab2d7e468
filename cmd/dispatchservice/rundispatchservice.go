// --- File: cmd/dispatchservice/rundispatchservice.go ---
package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"
	"github.com/joho/godotenv"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/hailwave/go-dispatch-service/internal/gateway/apns"
	"github.com/hailwave/go-dispatch-service/internal/gateway/expo"
	"github.com/hailwave/go-dispatch-service/internal/gateway/fcm"
	"github.com/hailwave/go-dispatch-service/internal/gateway/web"
	"github.com/hailwave/go-dispatch-service/internal/orchestrator"
	"github.com/hailwave/go-dispatch-service/internal/selector"
	"github.com/hailwave/go-dispatch-service/internal/storage/cache"
	fsStore "github.com/hailwave/go-dispatch-service/internal/storage/firestore"
	"github.com/hailwave/go-dispatch-service/pkg/dispatch"

	"github.com/hailwave/go-dispatch-service/dispatchservice"
	"github.com/hailwave/go-dispatch-service/dispatchservice/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-dispatch-service")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Redis (geo index, recipient cache, pending tickets) ---
	// The provider geo index lives in Redis; there is no degraded mode
	// without it.
	if !cfg.Redis.Enabled {
		logger.Error("Redis is required for the geo index (set REDIS_ADDR or redis.enabled)")
		os.Exit(1)
	}
	redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Error("Failed to connect to Redis", "err", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// --- Recipient Store (Decorated) ---
	var store dispatch.RecipientStore = fsStore.NewRecipientStore(fsClient)
	store = cache.NewCachedRecipientStore(store, redisClient, 24*time.Hour)
	logger.Info("RecipientStore initialized", "type", "redis_cached_firestore")

	geoIndex := selector.NewRedisGeoIndex(redisClient.Raw(), cfg.Selector.SearchRadiusKM)

	// --- Gateway ---
	gateway, err := newGateway(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Error("Gateway initialization failed", "kind", cfg.Gateway.Kind, "err", err)
		os.Exit(1)
	}
	logger.Info("Push gateway initialized", "kind", cfg.Gateway.Kind)

	// --- Engine ---
	sel := selector.New(geoIndex, store, selector.Config{
		DefaultK:        cfg.Selector.DefaultK,
		FreshnessWindow: cfg.Selector.FreshnessWindow,
	}, logger)

	engine := orchestrator.New(sel, store, gateway, redisClient, orchestrator.Config{
		DefaultK:  cfg.Selector.DefaultK,
		TicketTTL: cfg.Selector.TicketTTL,
	}, logger)

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, _ := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	authMiddleware, _ := middleware.NewJWKSAuthMiddleware(jwksURL, logger)

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	service, err := dispatchservice.New(
		cfg,
		consumer,
		engine,
		store,
		geoIndex,
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

// newGateway builds the configured push gateway backend. The non-expo
// backends park their synchronous outcomes in Redis so receipt
// reconciliation works the same way for all of them.
func newGateway(ctx context.Context, cfg *config.Config, ledger dispatch.TTLStore, logger *slog.Logger) (dispatch.Gateway, error) {
	switch cfg.Gateway.Kind {
	case "expo":
		opts := []expo.Option{expo.WithGzip(true)}
		if cfg.Gateway.ExpoHost != "" {
			opts = append(opts, expo.WithHost(cfg.Gateway.ExpoHost))
		}
		if cfg.Gateway.AccessToken != "" {
			opts = append(opts, expo.WithAccessToken(cfg.Gateway.AccessToken))
		}
		return expo.NewClient(opts...), nil

	case "fcm":
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		messaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		return fcm.NewGateway(messaging, ledger, cfg.Selector.TicketTTL, logger), nil

	case "apns":
		return apns.NewGateway(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8KeyContent,
		}, ledger, cfg.Selector.TicketTTL, logger)

	case "web":
		if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
			return nil, fmt.Errorf("VAPID keys are required for the web gateway")
		}
		return web.NewGateway(web.VapidConfig{
			PublicKey:       cfg.Vapid.PublicKey,
			PrivateKey:      cfg.Vapid.PrivateKey,
			SubscriberEmail: cfg.Vapid.SubscriberEmail,
		}, ledger, cfg.Selector.TicketTTL, logger), nil

	default:
		return nil, fmt.Errorf("unknown gateway kind %q", cfg.Gateway.Kind)
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
		EnableMessageOrdering: false,
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
