package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-rpc/internal/model"
)

var (
	ErrEndpointNotFound = errors.New("rpc endpoint not found")
)

// EndpointRepository RPC 节点仓储接口
type EndpointRepository interface {
	GetByChainAndState(ctx context.Context, chainID int64, state model.EndpointState) ([]*model.RPCEndpoint, error)
	GetByChain(ctx context.Context, chainID int64) ([]*model.RPCEndpoint, error)
	GetByURL(ctx context.Context, url string, opts *QueryOptions) (*model.RPCEndpoint, error)
	GetByID(ctx context.Context, id string) (*model.RPCEndpoint, error)
	GetAll(ctx context.Context) ([]*model.RPCEndpoint, error)
	Create(ctx context.Context, endpoint *model.RPCEndpoint) error
	Update(ctx context.Context, endpoint *model.RPCEndpoint) error

	// Transaction 在单个数据库事务内执行 fn, 配合 GetByURL 的行锁
	// 实现 MarkSuccess/MarkFailure 的 read-modify-write
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error
}

// endpointRepository RPC 节点仓储实现
type endpointRepository struct {
	*Repository
}

// NewEndpointRepository 创建 RPC 节点仓储
func NewEndpointRepository(db *gorm.DB) EndpointRepository {
	return &endpointRepository{
		Repository: NewRepository(db),
	}
}

func (r *endpointRepository) GetByChainAndState(ctx context.Context, chainID int64, state model.EndpointState) ([]*model.RPCEndpoint, error) {
	var endpoints []*model.RPCEndpoint
	err := r.DB(ctx).
		Where("chain_id = ? AND state = ?", chainID, state).
		Order("priority ASC, consecutive_errors ASC").
		Find(&endpoints).Error
	return endpoints, err
}

func (r *endpointRepository) GetByChain(ctx context.Context, chainID int64) ([]*model.RPCEndpoint, error) {
	var endpoints []*model.RPCEndpoint
	err := r.DB(ctx).
		Where("chain_id = ?", chainID).
		Order("priority ASC, consecutive_errors ASC").
		Find(&endpoints).Error
	return endpoints, err
}

func (r *endpointRepository) GetByURL(ctx context.Context, url string, opts *QueryOptions) (*model.RPCEndpoint, error) {
	var endpoint model.RPCEndpoint
	db := opts.ApplyLock(r.DB(ctx))
	err := db.Where("endpoint_url = ?", url).First(&endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func (r *endpointRepository) GetByID(ctx context.Context, id string) (*model.RPCEndpoint, error) {
	var endpoint model.RPCEndpoint
	err := r.DB(ctx).Where("id = ?", id).First(&endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func (r *endpointRepository) GetAll(ctx context.Context) ([]*model.RPCEndpoint, error) {
	var endpoints []*model.RPCEndpoint
	err := r.DB(ctx).
		Order("chain_id ASC, priority ASC, consecutive_errors ASC").
		Find(&endpoints).Error
	return endpoints, err
}

func (r *endpointRepository) Create(ctx context.Context, endpoint *model.RPCEndpoint) error {
	now := time.Now().UnixMilli()
	if endpoint.ID == "" {
		endpoint.ID = uuid.New().String()
	}
	if endpoint.State == "" {
		endpoint.State = model.EndpointStateActive
	}
	endpoint.CreatedAt = now
	endpoint.UpdatedAt = now
	return r.DB(ctx).Create(endpoint).Error
}

func (r *endpointRepository) Update(ctx context.Context, endpoint *model.RPCEndpoint) error {
	endpoint.UpdatedAt = time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.RPCEndpoint{}).
		Where("id = ?", endpoint.ID).
		Updates(map[string]interface{}{
			"state":              endpoint.State,
			"priority":           endpoint.Priority,
			"consecutive_errors": endpoint.ConsecutiveErrors,
			"error_message":      endpoint.ErrorMessage,
			"last_error_at":      endpoint.LastErrorAt,
			"updated_at":         endpoint.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEndpointNotFound
	}
	return nil
}
