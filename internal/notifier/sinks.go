package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// TelegramSink posts the text form to one chat (optionally a forum topic).
type TelegramSink struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, n.Text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.thread,
	})
	return err
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisSink PUBLISHes the JSON form on one channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is empty")
	}
	ch := cfg.Channel
	if ch == "" {
		ch = "agentorch.events"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisSink{client: rdb, channel: ch}, nil
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Send(ctx context.Context, n Notification) error {
	return r.client.Publish(ctx, r.channel, n.JSON).Err()
}

// Ping checks connectivity; used at startup to surface misconfiguration.
func (r *RedisSink) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisSink) Close() error { return r.client.Close() }

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink writes the JSON form keyed by event type, so one event type
// stays ordered within its partition.
type KafkaSink struct {
	w *kafka.Writer
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are empty")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "agentorch.events"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{w: w}, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, n Notification) error {
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.Event),
		Value: n.JSON,
		Time:  n.Time,
	})
}

func (k *KafkaSink) Close() error { return k.w.Close() }
