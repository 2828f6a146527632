package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-rpc/internal/model"
	"github.com/eidos-exchange/eidos-rpc/internal/repository"
)

// memProber 内存探针
type memProber struct {
	mu     sync.Mutex
	blocks map[string]uint64
	errs   map[string]error
	panics map[string]bool
	probes map[string]int
}

func newMemProber() *memProber {
	return &memProber{
		blocks: make(map[string]uint64),
		errs:   make(map[string]error),
		panics: make(map[string]bool),
		probes: make(map[string]int),
	}
}

func (p *memProber) Probe(ctx context.Context, url string) (uint64, error) {
	p.mu.Lock()
	p.probes[url]++
	panics := p.panics[url]
	block := p.blocks[url]
	err := p.errs[url]
	p.mu.Unlock()

	if panics {
		panic("prober exploded")
	}
	if err != nil {
		return 0, err
	}
	return block, nil
}

func (p *memProber) probeCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes[url]
}

// newTestHealthService 创建测试用的健康检查服务
func newTestHealthService(repo repository.EndpointRepository, prober *memProber, pub *memEventPublisher) *HealthService {
	svc := NewHealthService(repo, prober, nil, &HealthServiceConfig{
		Interval: time.Minute,
		Enabled:  true,
	})
	if pub != nil {
		svc.publisher = pub
	}
	svc.now = func() time.Time { return testNow }
	return svc
}

// TestHealthService_CheckOnce_RecoversEndpoint 测试探活成功恢复节点
func TestHealthService_CheckOnce_RecoversEndpoint(t *testing.T) {
	// 退避窗口远未结束, 探活成功依然立即恢复
	ep := errorEndpoint("a", "https://rpc-a.example.com", 1, 1, 3, testNow.Add(-4*time.Second))
	repo := newMemEndpointRepo(ep)
	prober := newMemProber()
	prober.blocks["https://rpc-a.example.com"] = 12345
	pub := &memEventPublisher{}
	svc := newTestHealthService(repo, prober, pub)

	svc.checkOnce(context.Background())

	assert.Equal(t, model.EndpointStateActive, ep.State)
	assert.Equal(t, 0, ep.ConsecutiveErrors)
	assert.Empty(t, ep.ErrorMessage)
	assert.Zero(t, ep.LastErrorAt)
	require.Len(t, pub.recovered, 1)
	assert.Equal(t, "https://rpc-a.example.com", pub.recovered[0].EndpointURL)

	// 已恢复的节点下一轮不再探测
	svc.checkOnce(context.Background())
	assert.Equal(t, 1, prober.probeCount("https://rpc-a.example.com"))
}

// TestHealthService_CheckOnce_ProbeFailureLeavesUnchanged 测试探活失败不改动节点
func TestHealthService_CheckOnce_ProbeFailureLeavesUnchanged(t *testing.T) {
	lastErrorAt := testNow.Add(-time.Minute)
	ep := errorEndpoint("a", "https://rpc-a.example.com", 1, 1, 3, lastErrorAt)
	repo := newMemEndpointRepo(ep)
	prober := newMemProber()
	prober.errs["https://rpc-a.example.com"] = errors.New("connection refused")
	svc := newTestHealthService(repo, prober, nil)

	svc.checkOnce(context.Background())

	assert.Equal(t, model.EndpointStateError, ep.State)
	assert.Equal(t, 3, ep.ConsecutiveErrors)
	assert.Equal(t, lastErrorAt.UnixMilli(), ep.LastErrorAt)
}

// TestHealthService_CheckOnce_OnlyProbesErrorEndpoints 测试只探测 ERROR 节点
func TestHealthService_CheckOnce_OnlyProbesErrorEndpoints(t *testing.T) {
	active := activeEndpoint("a", "https://rpc-a.example.com", 1, 1, 0)
	disabled := &model.RPCEndpoint{
		ID: "d", ChainID: 1, EndpointURL: "https://rpc-d.example.com",
		State: model.EndpointStateDisabled,
	}
	errored := errorEndpoint("e", "https://rpc-e.example.com", 1, 1, 5, testNow.Add(-time.Minute))
	repo := newMemEndpointRepo(active, disabled, errored)
	prober := newMemProber()
	prober.blocks["https://rpc-e.example.com"] = 1
	svc := newTestHealthService(repo, prober, nil)

	svc.checkOnce(context.Background())

	assert.Zero(t, prober.probeCount("https://rpc-a.example.com"))
	assert.Zero(t, prober.probeCount("https://rpc-d.example.com"))
	assert.Equal(t, 1, prober.probeCount("https://rpc-e.example.com"))
}

// TestHealthService_CheckOnce_ProbePanicDoesNotKillRound 测试单个探测 panic 不影响其他节点
func TestHealthService_CheckOnce_ProbePanicDoesNotKillRound(t *testing.T) {
	bad := errorEndpoint("bad", "https://rpc-bad.example.com", 1, 1, 5, testNow.Add(-time.Minute))
	good := errorEndpoint("good", "https://rpc-good.example.com", 1, 2, 5, testNow.Add(-time.Minute))
	repo := newMemEndpointRepo(bad, good)
	prober := newMemProber()
	prober.panics["https://rpc-bad.example.com"] = true
	prober.blocks["https://rpc-good.example.com"] = 99
	svc := newTestHealthService(repo, prober, nil)

	assert.NotPanics(t, func() {
		svc.checkOnce(context.Background())
	})

	assert.Equal(t, model.EndpointStateError, bad.State)
	assert.Equal(t, model.EndpointStateActive, good.State)
}

// TestHealthService_CheckOnce_StoreErrorLogged 测试仓储错误不终止循环
func TestHealthService_CheckOnce_StoreErrorLogged(t *testing.T) {
	repo := newMemEndpointRepo()
	repo.failWith = errors.New("connection reset")
	svc := newTestHealthService(repo, newMemProber(), nil)

	assert.NotPanics(t, func() {
		svc.checkOnce(context.Background())
	})
}

// TestHealthService_StartDisabled 测试关闭健康检查时不启动
func TestHealthService_StartDisabled(t *testing.T) {
	svc := NewHealthService(newMemEndpointRepo(), newMemProber(), nil, &HealthServiceConfig{
		Interval: time.Minute,
		Enabled:  false,
	})

	require.NoError(t, svc.Start(context.Background()))
	assert.False(t, svc.IsRunning())
}

// TestHealthService_StartStop 测试启动与停止
func TestHealthService_StartStop(t *testing.T) {
	svc := newTestHealthService(newMemEndpointRepo(), newMemProber(), nil)

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.IsRunning())

	assert.ErrorIs(t, svc.Start(context.Background()), ErrHealthCheckerAlreadyRunning)

	require.NoError(t, svc.Stop())
	assert.False(t, svc.IsRunning())

	assert.ErrorIs(t, svc.Stop(), ErrHealthCheckerNotRunning)
}

// TestHealthService_DefaultInterval 测试默认探测间隔
func TestHealthService_DefaultInterval(t *testing.T) {
	svc := NewHealthService(newMemEndpointRepo(), newMemProber(), nil, &HealthServiceConfig{
		Enabled: true,
	})

	assert.Equal(t, 5*time.Minute, svc.interval)
}
