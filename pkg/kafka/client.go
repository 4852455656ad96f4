// Package kafka 提供了向 Kafka 发布会话事件的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"

	"tutor-chat-go/internal/config"
	"tutor-chat-go/pkg/log"
	"tutor-chat-go/pkg/tasks"
)

// Publisher 发布会话生命周期事件。
type Publisher interface {
	Publish(ctx context.Context, event tasks.ConversationEvent) error
	Close() error
}

// messageWriter 是 kafka.Writer 中被使用到的部分，便于测试替换。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaPublisher struct {
	writer messageWriter
}

// NewPublisher 根据配置创建事件发布者。未配置 brokers 时返回 NopPublisher。
func NewPublisher(cfg config.KafkaConfig) Publisher {
	if cfg.Brokers == "" {
		log.Info("未配置 Kafka，会话事件发布已禁用")
		return NopPublisher{}
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		// 异步写入，发布事件不阻塞会话；失败在回调中记录
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Errorf("发布 %d 条会话事件失败: %v", len(messages), err)
			}
		},
	}
	log.Infof("Kafka 事件发布者初始化成功，主题 '%s'", cfg.Topic)
	return &kafkaPublisher{writer: w}
}

// Publish 以会话 ID 作为 key 发送事件，保证同一会话的事件落在同一分区。
func (p *kafkaPublisher) Publish(ctx context.Context, event tasks.ConversationEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(event.ConversationID), 10)),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, tasks.ConversationEvent) error { return nil }
func (NopPublisher) Close() error                                          { return nil }
