package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"OptionLedger/internal/observability"
)

// NATS wiring for the reference price feed. The settlement engine never
// talks to NATS directly; this package feeds parsed updates into the
// oracle through a channel owned by the orchestrator.
const (
	PriceStreamName   = "OPT_PRICES"
	PriceSubject      = "opt.prices.>"
	PriceConsumerName = "settlement-prices"
)

// RawPrice is one undecoded price message pulled off JetStream. AckFunc is
// called after the update has been handed to the oracle, NakFunc on a parse
// or validation failure (the message will be redelivered up to MaxDeliver).
type RawPrice struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// PriceSubscriber consumes the price stream and forwards raw messages to
// the price channel.
type PriceSubscriber struct {
	js        jetstream.JetStream
	priceChan chan<- RawPrice
	consumer  jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewPriceSubscriber(js jetstream.JetStream, priceChan chan<- RawPrice) *PriceSubscriber {
	return &PriceSubscriber{
		js:        js,
		priceChan: priceChan,
		log:       observability.NewLogger("ingestion"),
	}
}

// Subscribe creates the durable price consumer and starts pulling messages.
// Explicit ACK, ack_wait=30s, max_deliver=5.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStreamName, jetstream.ConsumerConfig{
		Durable:       PriceConsumerName,
		FilterSubject: PriceSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", PriceConsumerName, err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawPrice{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}

		select {
		case ps.priceChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", PriceConsumerName, err)
	}

	ps.consumer = consumerContext
	ps.log.Info().Str("subject", PriceSubject).Str("consumer", PriceConsumerName).Msg("subscribed to price feed")
	return nil
}

// Stop gracefully stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.log.Info().Msg("price subscriber stopped")
}

// EnsurePriceStream creates the inbound price stream if it does not exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      PriceStreamName,
		Subjects:  []string{PriceSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PriceStreamName, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
