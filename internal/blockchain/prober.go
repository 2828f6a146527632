// Package blockchain 提供对 RPC 节点的探活能力
package blockchain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// BlockNumberProber 区块高度探针
// 探测成功返回节点当前区块高度, 任何成功返回都视为节点健康
type BlockNumberProber interface {
	Probe(ctx context.Context, url string) (uint64, error)
}

// ethProber 基于 go-ethereum 的探针实现
type ethProber struct {
	timeout time.Duration
}

// NewEthProber 创建探针
func NewEthProber(timeout time.Duration) BlockNumberProber {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ethProber{timeout: timeout}
}

// Probe 拨号并查询最新区块号, 每次探测使用独立连接
func (p *ethProber) Probe(ctx context.Context, url string) (uint64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client, err := ethclient.DialContext(probeCtx, url)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	return client.BlockNumber(probeCtx)
}
