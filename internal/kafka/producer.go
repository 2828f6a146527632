// Package kafka 提供 Kafka 生产者功能
//
// ## 生产者 (Producer) - 本服务发送的 Topic
//
// 1. Topic: rpc-endpoint-down
//    - 消费者: 告警/运维侧
//    - 消息内容: EndpointStatusEvent (节点连续失败转入 ERROR)
//    - 处理逻辑: MarkFailure 达到阈值后发送
//
// 2. Topic: rpc-endpoint-recovered
//    - 消费者: 告警/运维侧
//    - 消息内容: EndpointStatusEvent (节点恢复为 ACTIVE)
//    - 处理逻辑: 健康检查探活成功或调用方上报成功后发送
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-rpc/internal/model"
	"github.com/eidos-exchange/eidos-rpc/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	// TopicEndpointDown 节点失效 Topic
	// 生产者: eidos-rpc (Selector)
	// Partition Key: endpoint_url
	// 消息格式: model.EndpointStatusEvent
	TopicEndpointDown = "rpc-endpoint-down"

	// TopicEndpointRecovered 节点恢复 Topic
	// 生产者: eidos-rpc (Selector / HealthChecker)
	// Partition Key: endpoint_url
	// 消息格式: model.EndpointStatusEvent
	TopicEndpointRecovered = "rpc-endpoint-recovered"
)

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
	}, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("producer is closed")
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendEndpointDown 发送节点失效事件
func (p *Producer) SendEndpointDown(ctx context.Context, event *model.EndpointStatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.send(TopicEndpointDown, event.EndpointURL, data)
}

// SendEndpointRecovered 发送节点恢复事件
func (p *Producer) SendEndpointRecovered(ctx context.Context, event *model.EndpointStatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.send(TopicEndpointRecovered, event.EndpointURL, data)
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishEndpointDown(ctx context.Context, event *model.EndpointStatusEvent) error
	PublishEndpointRecovered(ctx context.Context, event *model.EndpointStatusEvent) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
	}
}

func (p *KafkaEventPublisher) PublishEndpointDown(ctx context.Context, event *model.EndpointStatusEvent) error {
	return p.producer.SendEndpointDown(ctx, event)
}

func (p *KafkaEventPublisher) PublishEndpointRecovered(ctx context.Context, event *model.EndpointStatusEvent) error {
	return p.producer.SendEndpointRecovered(ctx, event)
}
