package model

// EndpointStatusEvent 节点状态变更事件 (Kafka 消息)
type EndpointStatusEvent struct {
	EndpointID        string `json:"endpoint_id"`
	ChainID           int64  `json:"chain_id"`
	EndpointURL       string `json:"endpoint_url"`
	State             string `json:"state"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	ErrorMessage      string `json:"error_message,omitempty"`
	OccurredAt        int64  `json:"occurred_at"`
}
