package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"github.com/agentwire/bridge/internal/message"
)

// Sender routes an ingested envelope. Implemented by the router.
type Sender interface {
	Accept(from, to string, payload json.RawMessage) (message.Envelope, bool)
}

// Ingest consumes operator-injected envelopes from a command topic and
// pushes them through the router, same as a control-plane send.
type Ingest struct {
	group  sarama.ConsumerGroup
	topic  string
	sender Sender
	logger *slog.Logger
	once   sync.Once
}

func NewIngest(brokers []string, topic, groupID string, sender Sender, logger *slog.Logger) (*Ingest, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_1_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	grp, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Ingest{
		group:  grp,
		topic:  topic,
		sender: sender,
		logger: logger,
	}, nil
}

func (i *Ingest) Start(ctx context.Context) {
	handler := &groupHandler{sender: i.sender, logger: i.logger}

	go func() {
		for {
			if err := i.group.Consume(ctx, []string{i.topic}, handler); err != nil {
				i.logger.Error("ingest loop error", "err", err)
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()
}

func (i *Ingest) Close() error {
	var err error
	i.once.Do(func() {
		err = i.group.Close()
	})
	return err
}

type groupHandler struct {
	sender Sender
	logger *slog.Logger
}

func (h *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		env, err := message.DecodeEnvelope(msg.Value)
		if err != nil {
			h.logger.Error("failed to decode ingest envelope", "err", err)
			session.MarkMessage(msg, "decode-error")
			continue
		}

		h.sender.Accept(env.From, env.To, env.Payload)
		session.MarkMessage(msg, "routed")
	}
	return nil
}
