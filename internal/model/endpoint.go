package model

// EndpointState RPC 节点状态
type EndpointState string

const (
	// EndpointStateActive 正常，可参与选路
	EndpointStateActive EndpointState = "ACTIVE"
	// EndpointStateError 连续失败达到阈值，等待退避/健康检查恢复
	EndpointStateError EndpointState = "ERROR"
	// EndpointStateDisabled 运维手动停用，本服务只读不写
	EndpointStateDisabled EndpointState = "DISABLED"
)

// String 返回状态字符串
func (s EndpointState) String() string {
	return string(s)
}

// RPCEndpoint RPC 节点信息
type RPCEndpoint struct {
	ID                string        `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	ChainID           int64         `gorm:"column:chain_id;type:bigint;not null;index:idx_chain_state_priority,priority:1" json:"chain_id"`
	EndpointURL       string        `gorm:"column:endpoint_url;type:varchar(255);not null" json:"endpoint_url"`
	State             EndpointState `gorm:"column:state;type:varchar(16);not null;default:ACTIVE;index:idx_chain_state_priority,priority:2" json:"state"`
	Priority          int           `gorm:"column:priority;type:int;not null;index:idx_chain_state_priority,priority:3" json:"priority"`
	ConsecutiveErrors int           `gorm:"column:consecutive_errors;type:int;not null" json:"consecutive_errors"`
	ErrorMessage      string        `gorm:"column:error_message;type:text" json:"error_message"`
	LastErrorAt       int64         `gorm:"column:last_error_at;type:bigint;not null" json:"last_error_at"`
	CreatedAt         int64         `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt         int64         `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (RPCEndpoint) TableName() string {
	return "eidos_rpc_endpoints"
}

// IsErroring 是否处于失败状态 (Error 状态或存在未清零的失败计数)
func (e *RPCEndpoint) IsErroring() bool {
	return e.State == EndpointStateError || e.ConsecutiveErrors > 0
}
