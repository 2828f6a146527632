// Package service 实现 RPC 节点选路与失效转移
//
// SelectorService 负责在线选路: 为链选出当前最优节点, 接收调用方的成功/失败上报,
// 维护节点状态机 (ACTIVE -> ERROR -> ACTIVE) 与选路缓存的一致性。
// HealthService 负责后台探活, 将恢复的 ERROR 节点提升回 ACTIVE。
//
// 并发说明: MarkSuccess/MarkFailure 的 read-modify-write 在数据库事务内
// 以 SELECT ... FOR UPDATE 行锁串行化, 并发上报不会丢失计数。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-rpc/internal/cache"
	"github.com/eidos-exchange/eidos-rpc/internal/kafka"
	"github.com/eidos-exchange/eidos-rpc/internal/metrics"
	"github.com/eidos-exchange/eidos-rpc/internal/model"
	"github.com/eidos-exchange/eidos-rpc/internal/repository"
	"github.com/eidos-exchange/eidos-rpc/pkg/logger"
)

var (
	ErrNoHealthyEndpoint = errors.New("no healthy rpc endpoint available")
	ErrEmptyEndpointURL  = errors.New("endpoint url is empty")
)

// markMaxRetries 上报写入的事务重试次数
const markMaxRetries = 3

// SelectorService RPC 节点选路服务
type SelectorService struct {
	repo      repository.EndpointRepository
	cache     cache.SelectionCache
	publisher kafka.EventPublisher

	// 配置
	cacheDuration         time.Duration
	maxConsecutiveErrors  int
	allowDisabledFallback bool
	cacheKeyPrefix        string
	baseBackoff           time.Duration
	maxBackoff            time.Duration

	now func() time.Time
}

// SelectorServiceConfig 配置
type SelectorServiceConfig struct {
	CacheDuration         time.Duration
	MaxConsecutiveErrors  int
	AllowDisabledFallback bool
	CacheKeyPrefix        string
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
}

// NewSelectorService 创建选路服务
// publisher 可为 nil, 此时不发送状态变更事件
func NewSelectorService(
	repo repository.EndpointRepository,
	selectionCache cache.SelectionCache,
	publisher kafka.EventPublisher,
	cfg *SelectorServiceConfig,
) *SelectorService {
	cacheDuration := cfg.CacheDuration
	if cacheDuration == 0 {
		cacheDuration = 300 * time.Second
	}

	maxConsecutiveErrors := cfg.MaxConsecutiveErrors
	if maxConsecutiveErrors == 0 {
		maxConsecutiveErrors = 5
	}

	baseBackoff := cfg.BaseBackoff
	if baseBackoff == 0 {
		baseBackoff = time.Minute
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 30 * time.Minute
	}

	return &SelectorService{
		repo:                  repo,
		cache:                 selectionCache,
		publisher:             publisher,
		cacheDuration:         cacheDuration,
		maxConsecutiveErrors:  maxConsecutiveErrors,
		allowDisabledFallback: cfg.AllowDisabledFallback,
		cacheKeyPrefix:        cfg.CacheKeyPrefix,
		baseBackoff:           baseBackoff,
		maxBackoff:            maxBackoff,
		now:                   time.Now,
	}
}

// GetBestEndpoint 返回链当前最优节点 URL
//
// 选路顺序: 缓存命中 -> ACTIVE 节点 -> 退避期已过的 ERROR 节点
// -> (可选) DISABLED 节点。全部落空时返回 ErrNoHealthyEndpoint。
func (s *SelectorService) GetBestEndpoint(ctx context.Context, chainID int64) (string, error) {
	key := cache.BestEndpointKey(chainID, s.cacheKeyPrefix)

	// 缓存命中直接返回, 不回源校验; 缓存故障按未命中处理
	val, err := s.cache.Get(ctx, key)
	if err == nil && len(val) > 0 {
		metrics.RecordSelection("cache")
		metrics.RecordCacheHit()
		return string(val), nil
	}
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		logger.Warn("selection cache read failed",
			zap.Int64("chain_id", chainID),
			zap.Error(err))
	}
	metrics.RecordCacheMiss()

	candidates, tier, err := s.loadCandidates(ctx, chainID)
	if err != nil {
		return "", err
	}

	best := pickBest(candidates)
	if best == nil {
		metrics.RecordSelection("none")
		return "", fmt.Errorf("%w: chain %d", ErrNoHealthyEndpoint, chainID)
	}

	if err := s.cache.Set(ctx, key, []byte(best.EndpointURL), s.cacheDuration); err != nil {
		logger.Warn("selection cache write failed",
			zap.Int64("chain_id", chainID),
			zap.Error(err))
	}

	metrics.RecordSelection(tier)
	logger.Debug("endpoint selected",
		zap.Int64("chain_id", chainID),
		zap.String("url", best.EndpointURL),
		zap.String("tier", tier))

	return best.EndpointURL, nil
}

// loadCandidates 按降级阶梯加载候选节点
func (s *SelectorService) loadCandidates(ctx context.Context, chainID int64) ([]*model.RPCEndpoint, string, error) {
	active, err := s.repo.GetByChainAndState(ctx, chainID, model.EndpointStateActive)
	if err != nil {
		return nil, "", err
	}
	if len(active) > 0 {
		return active, "active", nil
	}

	errored, err := s.repo.GetByChainAndState(ctx, chainID, model.EndpointStateError)
	if err != nil {
		return nil, "", err
	}
	eligible := s.filterEligible(errored)
	if len(eligible) > 0 {
		return eligible, "error", nil
	}

	if !s.allowDisabledFallback {
		return nil, "none", nil
	}

	disabled, err := s.repo.GetByChainAndState(ctx, chainID, model.EndpointStateDisabled)
	if err != nil {
		return nil, "", err
	}
	return disabled, "disabled", nil
}

// GetNextEndpoint 返回排除 failedURL 之后的最优节点, 用于请求内重试
//
// 不读缓存, 不降级到 DISABLED; 成功后覆盖缓存, 后续请求跟随新节点。
func (s *SelectorService) GetNextEndpoint(ctx context.Context, chainID int64, failedURL string) (string, error) {
	if failedURL == "" {
		return "", ErrEmptyEndpointURL
	}

	endpoints, err := s.repo.GetByChain(ctx, chainID)
	if err != nil {
		return "", err
	}

	now := s.now()
	var candidates []*model.RPCEndpoint
	for _, ep := range endpoints {
		if ep.EndpointURL == failedURL {
			continue
		}
		switch ep.State {
		case model.EndpointStateActive:
			candidates = append(candidates, ep)
		case model.EndpointStateError:
			if s.isEligible(ep, now) {
				candidates = append(candidates, ep)
			}
		}
	}

	best := pickBest(candidates)
	if best == nil {
		metrics.RecordSelection("none")
		return "", fmt.Errorf("%w: chain %d", ErrNoHealthyEndpoint, chainID)
	}

	key := cache.BestEndpointKey(chainID, s.cacheKeyPrefix)
	if err := s.cache.Set(ctx, key, []byte(best.EndpointURL), s.cacheDuration); err != nil {
		logger.Warn("selection cache write failed",
			zap.Int64("chain_id", chainID),
			zap.Error(err))
	}

	metrics.RecordSelection("next")
	return best.EndpointURL, nil
}

// MarkSuccess 上报节点调用成功
//
// 清零失败计数, ERROR 节点恢复为 ACTIVE。未知 URL 记告警后忽略,
// 保证调用方的重试路径不会因上报而失败。
func (s *SelectorService) MarkSuccess(ctx context.Context, url string) error {
	if url == "" {
		return ErrEmptyEndpointURL
	}

	var (
		updated     *model.RPCEndpoint
		wasErroring bool
		wasError    bool
	)
	err := s.repo.TransactionWithRetry(ctx, markMaxRetries, func(txCtx context.Context) error {
		endpoint, err := s.repo.GetByURL(txCtx, url, &repository.QueryOptions{ForUpdate: true})
		if err != nil {
			return err
		}

		wasErroring = endpoint.IsErroring()
		wasError = endpoint.State == model.EndpointStateError

		endpoint.ConsecutiveErrors = 0
		endpoint.ErrorMessage = ""
		endpoint.LastErrorAt = 0
		if wasError {
			endpoint.State = model.EndpointStateActive
		}

		updated = endpoint
		return s.repo.Update(txCtx, endpoint)
	})
	if errors.Is(err, repository.ErrEndpointNotFound) {
		logger.Warn("mark success on unknown endpoint", zap.String("url", url))
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RecordMark("success")

	// 失败中的节点恢复后必须失效缓存, 否则调用方被钉在上次返回的 URL 上
	if wasErroring {
		s.invalidateCache(ctx, updated.ChainID)
	}

	if wasError {
		metrics.RecordStateTransition(model.EndpointStateActive.String())
		logger.Info("endpoint recovered by caller report",
			zap.Int64("chain_id", updated.ChainID),
			zap.String("url", updated.EndpointURL))
		s.publishRecovered(ctx, updated)
	}

	return nil
}

// MarkFailure 上报节点调用失败
//
// 失败计数加一并记录原因, 达到阈值后转入 ERROR。缓存无条件失效。
func (s *SelectorService) MarkFailure(ctx context.Context, url string, reason string) error {
	if url == "" {
		return ErrEmptyEndpointURL
	}
	if reason == "" {
		reason = "unknown"
	}

	var (
		updated     *model.RPCEndpoint
		becameError bool
	)
	err := s.repo.TransactionWithRetry(ctx, markMaxRetries, func(txCtx context.Context) error {
		becameError = false

		endpoint, err := s.repo.GetByURL(txCtx, url, &repository.QueryOptions{ForUpdate: true})
		if err != nil {
			return err
		}

		endpoint.ConsecutiveErrors++
		endpoint.LastErrorAt = s.now().UnixMilli()
		endpoint.ErrorMessage = reason
		if endpoint.ConsecutiveErrors >= s.maxConsecutiveErrors &&
			endpoint.State == model.EndpointStateActive {
			endpoint.State = model.EndpointStateError
			becameError = true
		}

		updated = endpoint
		return s.repo.Update(txCtx, endpoint)
	})
	if errors.Is(err, repository.ErrEndpointNotFound) {
		logger.Warn("mark failure on unknown endpoint", zap.String("url", url))
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RecordMark("failure")
	s.invalidateCache(ctx, updated.ChainID)

	if becameError {
		metrics.RecordStateTransition(model.EndpointStateError.String())
		logger.Warn("endpoint marked unhealthy",
			zap.Int64("chain_id", updated.ChainID),
			zap.String("url", updated.EndpointURL),
			zap.Int("consecutive_errors", updated.ConsecutiveErrors),
			zap.String("reason", reason))
		s.publishDown(ctx, updated)
	}

	return nil
}

// filterEligible 过滤出退避期已过的节点
func (s *SelectorService) filterEligible(endpoints []*model.RPCEndpoint) []*model.RPCEndpoint {
	now := s.now()
	var eligible []*model.RPCEndpoint
	for _, ep := range endpoints {
		if s.isEligible(ep, now) {
			eligible = append(eligible, ep)
		}
	}
	return eligible
}

// isEligible 判断节点的退避窗口是否已过
func (s *SelectorService) isEligible(ep *model.RPCEndpoint, now time.Time) bool {
	// last_error_at 缺失时视为可用, 退避计算不应因脏数据出错
	if ep.LastErrorAt == 0 {
		return true
	}
	backoff := backoffDuration(ep.ConsecutiveErrors, s.baseBackoff, s.maxBackoff)
	eligibleAt := time.UnixMilli(ep.LastErrorAt).Add(backoff)
	return !now.Before(eligibleAt)
}

// pickBest 返回 (priority, consecutive_errors) 字典序最小的节点
// 相同键值按遍历顺序取先出现者, 即仓储返回的稳定顺序
func pickBest(endpoints []*model.RPCEndpoint) *model.RPCEndpoint {
	var best *model.RPCEndpoint
	for _, ep := range endpoints {
		if best == nil {
			best = ep
			continue
		}
		if ep.Priority < best.Priority ||
			(ep.Priority == best.Priority && ep.ConsecutiveErrors < best.ConsecutiveErrors) {
			best = ep
		}
	}
	return best
}

// invalidateCache 失效链的选路缓存, 尽力而为
func (s *SelectorService) invalidateCache(ctx context.Context, chainID int64) {
	key := cache.BestEndpointKey(chainID, s.cacheKeyPrefix)
	if err := s.cache.Remove(ctx, key); err != nil {
		logger.Warn("selection cache invalidate failed",
			zap.Int64("chain_id", chainID),
			zap.Error(err))
	}
}

// publishDown 发送节点失效事件
func (s *SelectorService) publishDown(ctx context.Context, ep *model.RPCEndpoint) {
	if s.publisher == nil {
		return
	}
	event := statusEvent(ep, s.now())
	if err := s.publisher.PublishEndpointDown(ctx, event); err != nil {
		logger.Error("failed to publish endpoint down event",
			zap.String("url", ep.EndpointURL),
			zap.Error(err))
	}
}

// publishRecovered 发送节点恢复事件
func (s *SelectorService) publishRecovered(ctx context.Context, ep *model.RPCEndpoint) {
	if s.publisher == nil {
		return
	}
	event := statusEvent(ep, s.now())
	if err := s.publisher.PublishEndpointRecovered(ctx, event); err != nil {
		logger.Error("failed to publish endpoint recovered event",
			zap.String("url", ep.EndpointURL),
			zap.Error(err))
	}
}

// statusEvent 构造状态变更事件
func statusEvent(ep *model.RPCEndpoint, now time.Time) *model.EndpointStatusEvent {
	return &model.EndpointStatusEvent{
		EndpointID:        ep.ID,
		ChainID:           ep.ChainID,
		EndpointURL:       ep.EndpointURL,
		State:             ep.State.String(),
		ConsecutiveErrors: ep.ConsecutiveErrors,
		ErrorMessage:      ep.ErrorMessage,
		OccurredAt:        now.UnixMilli(),
	}
}
