// Package notify adapts the teacher's NATS JetStream publisher
// (internal/nats.Publisher) into the dispatch.Notifier external fan-out
// layer: one subject per (chain, event name) instead of the
// teacher's fixed Polymarket stream, with the same dedup-by-message-ID
// idiom so a re-delivered batch after a crash doesn't double-publish.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/0xkanth/omnisync/pkg/types"
)

const streamCreateTimeout = 10 * time.Second

// Publisher publishes dispatched-event batches to NATS JetStream.
type Publisher struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
	prefix string
}

// NewPublisher connects to NATS and ensures the stream named streamName
// exists, subscribed to prefix.>.
func NewPublisher(natsURL, streamName, prefix string, persistDuration time.Duration, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("omnisync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{prefix + ".>"},
		MaxAge:     persistDuration,
		Storage:    jetstream.FileStorage,
		Duplicates: 20 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", streamName, err)
	}

	logger.Info().Str("stream", streamName).Str("subjects", prefix+".>").Msg("nats publisher initialized")
	return &Publisher{js: js, nc: nc, logger: logger, prefix: prefix}, nil
}

// PublishDispatched implements dispatch.Notifier: one NATS message per
// event, deduplicated on (txHash, logIndex) the same way the teacher's
// Publish did.
func (p *Publisher) PublishDispatched(ctx context.Context, chainID uint64, events []types.Event) error {
	for _, event := range events {
		subject := fmt.Sprintf("%s.%d.%s", p.prefix, chainID, event.EventName)

		data, err := json.Marshal(eventPayload{
			Chain:     chainID,
			Checkpoint: fmt.Sprintf("%x", event.Checkpoint),
			Kind:      string(event.Kind),
			Contract:  event.ContractName,
			EventName: event.EventName,
			Block:     event.Block.Number,
			TxHash:    fmt.Sprintf("%#x", event.TxHash),
			LogIndex:  event.LogIndex,
		})
		if err != nil {
			return fmt.Errorf("marshal event for publish: %w", err)
		}

		msgID := fmt.Sprintf("%x-%d", event.TxHash, event.LogIndex)
		if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
			p.logger.Error().Err(err).Str("subject", subject).Str("msg_id", msgID).Msg("failed to publish event")
			return fmt.Errorf("publish to nats: %w", err)
		}
	}
	return nil
}

type eventPayload struct {
	Chain      uint64 `json:"chain"`
	Checkpoint string `json:"checkpoint"`
	Kind       string `json:"kind"`
	Contract   string `json:"contract"`
	EventName  string `json:"eventName"`
	Block      uint64 `json:"block"`
	TxHash     string `json:"txHash"`
	LogIndex   uint32 `json:"logIndex"`
}

// Close closes the underlying NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Healthy reports whether the NATS connection is currently up.
func (p *Publisher) Healthy() bool {
	return p.nc != nil && p.nc.IsConnected()
}
