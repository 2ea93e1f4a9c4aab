package harness

import (
	"context"
	"encoding/json"

	xerrors "IntentForge-Chain/internal/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述报表队列的连接参数。
type RabbitMQConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQSink 把报表投递到 RabbitMQ 队列，供下游系统消费。
type RabbitMQSink struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	durable bool
}

// NewRabbitMQSink 建立连接并声明报表队列。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "intentforge.reports"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInfrastructure, err, "声明报表队列失败")
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue, durable: cfg.Durable}, nil
}

// Publish 序列化报表并投递。
func (s *RabbitMQSink) Publish(ctx context.Context, report *FixtureReport) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "报表队列未初始化")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化报表失败")
	}

	publishing := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}
	if s.durable {
		publishing.DeliveryMode = amqp.Persistent
	}
	if err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, publishing); err != nil {
		return xerrors.Wrap(xerrors.CodeInfrastructure, err, "投递报表失败")
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ Sink = (*RabbitMQSink)(nil)
