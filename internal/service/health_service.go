package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-rpc/internal/blockchain"
	"github.com/eidos-exchange/eidos-rpc/internal/kafka"
	"github.com/eidos-exchange/eidos-rpc/internal/metrics"
	"github.com/eidos-exchange/eidos-rpc/internal/model"
	"github.com/eidos-exchange/eidos-rpc/internal/repository"
	"github.com/eidos-exchange/eidos-rpc/pkg/logger"
)

var (
	ErrHealthCheckerAlreadyRunning = errors.New("health checker already running")
	ErrHealthCheckerNotRunning     = errors.New("health checker not running")
)

// HealthService 节点健康检查服务
//
// 周期性探测 ERROR 状态的节点, 探活成功的恢复为 ACTIVE。
// 全量加载后在内存过滤, 且不在探测前检查退避窗口:
// 选路侧的退避判断已将失败节点挡在轮换之外, 这里每轮都重试。
type HealthService struct {
	repo      repository.EndpointRepository
	prober    blockchain.BlockNumberProber
	publisher kafka.EventPublisher

	// 配置
	interval time.Duration
	enabled  bool

	// 运行状态
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}

	now func() time.Time
}

// HealthServiceConfig 配置
type HealthServiceConfig struct {
	Interval time.Duration
	Enabled  bool
}

// NewHealthService 创建健康检查服务
// 探测超时由 prober 自身持有 (NewEthProber 的 request_timeout)
func NewHealthService(
	repo repository.EndpointRepository,
	prober blockchain.BlockNumberProber,
	publisher kafka.EventPublisher,
	cfg *HealthServiceConfig,
) *HealthService {
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Minute
	}

	return &HealthService{
		repo:      repo,
		prober:    prober,
		publisher: publisher,
		interval:  interval,
		enabled:   cfg.Enabled,
		now:       time.Now,
	}
}

// Start 启动健康检查循环
func (s *HealthService) Start(ctx context.Context) error {
	if !s.enabled {
		logger.Info("health checks disabled, checker not started")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrHealthCheckerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	logger.Info("health checker starting",
		zap.Duration("interval", s.interval))

	go s.runLoop(ctx)

	return nil
}

// Stop 停止健康检查循环
func (s *HealthService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrHealthCheckerNotRunning
	}

	close(s.stopCh)
	s.running = false

	logger.Info("health checker stopped")

	return nil
}

// IsRunning 检查是否运行中
func (s *HealthService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// runLoop 主循环, 只有取消或 Stop 能结束它
func (s *HealthService) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

// checkOnce 执行一轮健康检查
// 任何内部失败只记日志, 不中断循环
func (s *HealthService) checkOnce(ctx context.Context) {
	endpoints, err := s.repo.GetAll(ctx)
	if err != nil {
		logger.Error("health check failed to load endpoints", zap.Error(err))
		return
	}

	metrics.UpdateEndpointStates(countByState(endpoints))

	var errored []*model.RPCEndpoint
	for _, ep := range endpoints {
		if ep.State == model.EndpointStateError {
			errored = append(errored, ep)
		}
	}

	if len(errored) == 0 {
		logger.Debug("no endpoints in error state")
		return
	}

	logger.Info("probing unhealthy endpoints", zap.Int("count", len(errored)))

	var wg sync.WaitGroup
	for _, ep := range errored {
		wg.Add(1)
		go func(ep *model.RPCEndpoint) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("probe panicked",
						zap.String("url", ep.EndpointURL),
						zap.Any("panic", r))
				}
			}()
			s.probeEndpoint(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

// probeEndpoint 探测单个节点, 成功则恢复为 ACTIVE
func (s *HealthService) probeEndpoint(ctx context.Context, ep *model.RPCEndpoint) {
	start := s.now()
	blockNumber, err := s.prober.Probe(ctx, ep.EndpointURL)
	elapsed := s.now().Sub(start)

	if err != nil {
		metrics.RecordProbe("failure", elapsed.Seconds())
		logger.Debug("endpoint still unhealthy",
			zap.Int64("chain_id", ep.ChainID),
			zap.String("url", ep.EndpointURL),
			zap.Error(err))
		return
	}

	metrics.RecordProbe("success", elapsed.Seconds())

	ep.State = model.EndpointStateActive
	ep.ConsecutiveErrors = 0
	ep.ErrorMessage = ""
	ep.LastErrorAt = 0

	if err := s.repo.Update(ctx, ep); err != nil {
		logger.Error("failed to persist endpoint recovery",
			zap.String("url", ep.EndpointURL),
			zap.Error(err))
		return
	}

	metrics.RecordStateTransition(model.EndpointStateActive.String())
	logger.Info("endpoint recovered",
		zap.Int64("chain_id", ep.ChainID),
		zap.String("url", ep.EndpointURL),
		zap.Uint64("block_number", blockNumber))

	if s.publisher != nil {
		event := statusEvent(ep, s.now())
		if err := s.publisher.PublishEndpointRecovered(ctx, event); err != nil {
			logger.Error("failed to publish endpoint recovered event",
				zap.String("url", ep.EndpointURL),
				zap.Error(err))
		}
	}
}

// countByState 按状态统计节点数
func countByState(endpoints []*model.RPCEndpoint) map[string]int {
	counts := make(map[string]int)
	for _, ep := range endpoints {
		counts[ep.State.String()]++
	}
	return counts
}
