package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ziflex/lecho/v3"
)

const (
	contentTypeJSON = "application/json"
)

// Publisher fans webhook events out to a message broker, next to the
// direct HTTP delivery. Consumers bind on routing keys of the form
// store.<id>.<event>.
type Publisher interface {
	PublishWebhookEvent(ctx context.Context, storeID int64, eventType, payload string) error
	// Close will close all connections to rabbitmq
	Close() error
}

type DefaultClient struct {
	conn           *amqp.Connection
	publishChannel *amqp.Channel

	logger *lecho.Logger

	webhookExchange string
}

type ClientOption = func(client *DefaultClient)

func WithWebhookExchange(exchange string) ClientOption {
	return func(client *DefaultClient) {
		client.webhookExchange = exchange
	}
}

func WithLogger(logger *lecho.Logger) ClientOption {
	return func(client *DefaultClient) {
		client.logger = logger
	}
}

// Dial sets up a connection to rabbitmq with a channel ready to
// publish and declares the webhook exchange.
func Dial(uri string, options ...ClientOption) (Publisher, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}

	publishChannel, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	client := &DefaultClient{
		conn:           conn,
		publishChannel: publishChannel,

		logger: lecho.New(
			os.Stdout,
			lecho.WithLevel(log.DEBUG),
			lecho.WithTimestamp(),
		),

		webhookExchange: "cashupay_webhook",
	}

	for _, opt := range options {
		opt(client)
	}

	err = client.publishChannel.ExchangeDeclare(
		client.webhookExchange,
		// topic exchanges route messages to queues based on a routing key
		"topic",
		// Durable and Non-Auto-Deleted exchanges will survive server restarts and remain
		// declared when there are no remaining bindings.
		true,
		false,
		// Non-Internal exchange's accept direct publishing
		false,
		// Nowait: We set this to false as we want to wait for a server response
		// to check whether the exchange was created succesfully
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	return client, nil
}

func (client *DefaultClient) Close() error { return client.conn.Close() }

type webhookEnvelope struct {
	StoreID int64           `json:"storeId"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func (client *DefaultClient) PublishWebhookEvent(ctx context.Context, storeID int64, eventType, payload string) error {
	body, err := json.Marshal(webhookEnvelope{
		StoreID: storeID,
		Event:   eventType,
		Data:    json.RawMessage(payload),
	})
	if err != nil {
		return err
	}

	key := fmt.Sprintf("store.%d.%s", storeID, eventType)

	err = client.publishChannel.PublishWithContext(ctx,
		client.webhookExchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType: contentTypeJSON,
			Body:        body,
		},
	)
	if err != nil {
		captureErr(client.logger, err)
		return err
	}

	client.logger.Debugf("Successfully published webhook event %s for store %d", eventType, storeID)

	return nil
}

func captureErr(logger *lecho.Logger, err error) {
	logger.Error(err)
	sentry.CaptureException(err)
}
