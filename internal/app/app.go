// Package app 提供 eidos-rpc 服务的应用生命周期管理
//
// eidos-rpc 负责 RPC 节点选路与失效转移:
// 1. 选路 (Selector): 为链选出当前最优 JSON-RPC 节点
// 2. 状态维护 (Marker): 接收调用方成功/失败上报, 维护节点状态机
// 3. 健康检查 (HealthChecker): 周期性探活 ERROR 节点并恢复
//
// ## Kafka
// - 生产 Topic: rpc-endpoint-down / rpc-endpoint-recovered (告警侧消费)
//
// ## 数据库
// - 表: eidos_rpc_endpoints (启动时 AutoMigrate)
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-rpc/internal/blockchain"
	"github.com/eidos-exchange/eidos-rpc/internal/cache"
	"github.com/eidos-exchange/eidos-rpc/internal/config"
	"github.com/eidos-exchange/eidos-rpc/internal/kafka"
	"github.com/eidos-exchange/eidos-rpc/internal/model"
	"github.com/eidos-exchange/eidos-rpc/internal/repository"
	"github.com/eidos-exchange/eidos-rpc/internal/service"
	"github.com/eidos-exchange/eidos-rpc/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *redis.Client

	// 仓储与缓存
	endpointRepo   repository.EndpointRepository
	selectionCache cache.SelectionCache

	// Kafka
	kafkaProducer  *kafka.Producer
	eventPublisher kafka.EventPublisher

	// 服务
	selectorSvc *service.SelectorService
	healthSvc   *service.HealthService

	// gRPC
	grpcServer   *grpc.Server
	healthServer *health.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	app.initRepositories()

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initServices()

	if err := app.seedEndpoints(); err != nil {
		return nil, fmt.Errorf("failed to seed endpoints: %w", err)
	}

	app.initGRPC()

	return app, nil
}

// Selector 返回选路服务
func (a *App) Selector() *service.SelectorService {
	return a.selectorSvc
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	// 自动迁移
	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis
	redisAddr := "localhost:6379"
	if len(a.cfg.Redis.Addresses) > 0 {
		redisAddr = a.cfg.Redis.Addresses[0]
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", redisAddr))

	return nil
}

// initRepositories 初始化仓储与缓存
func (a *App) initRepositories() {
	a.endpointRepo = repository.NewEndpointRepository(a.db)
	a.selectionCache = cache.NewRedisSelectionCache(a.redis)

	logger.Info("repositories initialized")
}

// initKafka 初始化 Kafka
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		logger.Info("kafka disabled, endpoint status events will not be published")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewKafkaEventPublisher(producer)

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initServices 初始化服务
func (a *App) initServices() {
	a.selectorSvc = service.NewSelectorService(
		a.endpointRepo,
		a.selectionCache,
		a.eventPublisher,
		&service.SelectorServiceConfig{
			CacheDuration:         time.Duration(a.cfg.Selector.CacheDurationSeconds) * time.Second,
			MaxConsecutiveErrors:  a.cfg.Selector.MaxConsecutiveErrors,
			AllowDisabledFallback: a.cfg.Selector.AllowDisabledFallback,
			CacheKeyPrefix:        a.cfg.Selector.CacheKeyPrefix,
			BaseBackoff:           time.Duration(a.cfg.Selector.BaseBackoffMinutes) * time.Minute,
			MaxBackoff:            time.Duration(a.cfg.Selector.MaxBackoffMinutes) * time.Minute,
		},
	)

	prober := blockchain.NewEthProber(
		time.Duration(a.cfg.HealthCheck.RequestTimeoutSeconds) * time.Second,
	)

	a.healthSvc = service.NewHealthService(
		a.endpointRepo,
		prober,
		a.eventPublisher,
		&service.HealthServiceConfig{
			Interval: time.Duration(a.cfg.HealthCheck.IntervalMinutes) * time.Minute,
			Enabled:  *a.cfg.HealthCheck.Enabled,
		},
	)

	logger.Info("services initialized")
}

// seedEndpoints 灌入配置中的初始节点, 已存在的 URL 跳过
func (a *App) seedEndpoints() error {
	ctx := context.Background()
	for _, seed := range a.cfg.Endpoints {
		_, err := a.endpointRepo.GetByURL(ctx, seed.URL, nil)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrEndpointNotFound) {
			return err
		}

		endpoint := &model.RPCEndpoint{
			ChainID:     seed.ChainID,
			EndpointURL: seed.URL,
			State:       model.EndpointStateActive,
			Priority:    seed.Priority,
		}
		if err := a.endpointRepo.Create(ctx, endpoint); err != nil {
			return err
		}

		logger.Info("endpoint seeded",
			zap.Int64("chain_id", seed.ChainID),
			zap.String("url", seed.URL),
			zap.Int("priority", seed.Priority))
	}
	return nil
}

// initGRPC 初始化 gRPC
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer()

	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	logger.Info("grpc health server initialized")
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动健康检查
	if err := a.healthSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health checker: %w", err)
	}

	// 启动 gRPC 服务器
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// 停止健康检查
	if a.healthSvc != nil && a.healthSvc.IsRunning() {
		if err := a.healthSvc.Stop(); err != nil {
			logger.Error("failed to stop health checker", zap.Error(err))
		}
	}

	// 关闭 gRPC 服务器
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	// 关闭 Kafka 生产者
	if a.kafkaProducer != nil {
		a.kafkaProducer.Close()
	}

	// 关闭 Redis
	if a.redis != nil {
		a.redis.Close()
	}

	// 关闭数据库
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
