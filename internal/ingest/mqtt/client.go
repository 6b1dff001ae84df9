// SPDX-License-Identifier: MIT

// Package mqtt subscribes to the published upstream broker and forwards raw
// payloads into the core. The connection auto-reconnects every 5 seconds
// indefinitely; credentials are re-resolved on each (re)connect so expired
// tokens heal themselves.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/metrics"
	"github.com/pitwall-hq/pitwall/internal/normalize"
)

const (
	topicPrefix      = "v1/"
	reconnectPeriod  = 5 * time.Second
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 5 * time.Second
	keepAlive        = 15 * time.Second
)

// Sink receives raw messages; implemented by the core.
type Sink interface {
	OnMQTT(topic string, payload []byte)
	SetTransportStatus(transport string, connected bool, reason string)
}

// CredentialsFunc resolves the current username/password pair. Called on
// every connect attempt.
type CredentialsFunc func() (username, password string)

// Config for the upstream subscription.
type Config struct {
	BrokerURL   string
	ClientID    string
	Credentials CredentialsFunc
}

// Client owns the paho connection.
type Client struct {
	cfg    Config
	sink   Sink
	logger zerolog.Logger
	conn   paho.Client
}

// New validates the config; Run establishes the connection.
func New(cfg Config, sink Sink) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: BrokerURL is required")
	}
	if sink == nil {
		return nil, errors.New("mqtt: sink is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pitwall"
	}
	return &Client{cfg: cfg, sink: sink, logger: log.WithComponent("ingest.mqtt")}, nil
}

// Run connects and blocks until ctx is done. Reconnects are handled by the
// paho client; Run only returns on cancellation or a fatal first connect.
func (c *Client) Run(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectPeriod).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetCleanSession(true).
		SetOrderMatters(true)

	if c.cfg.Credentials != nil {
		opts.SetCredentialsProvider(func() (string, string) {
			return c.cfg.Credentials()
		})
	}

	opts.SetOnConnectHandler(func(conn paho.Client) {
		c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("connected")
		metrics.SetUpstreamConnected("mqtt", true)
		c.sink.SetTransportStatus("mqtt", true, "")
		c.subscribe(conn)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn().Err(err).Msg("connection lost")
		metrics.SetUpstreamConnected("mqtt", false)
		c.sink.SetTransportStatus("mqtt", false, err.Error())
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.logger.Debug().Msg("reconnecting")
	})

	c.conn = paho.NewClient(opts)
	if tok := c.conn.Connect(); !tok.WaitTimeout(connectTimeout) || tok.Error() != nil {
		err := tok.Error()
		if err == nil {
			err = errors.New("connect timed out")
		}
		metrics.SetUpstreamConnected("mqtt", false)
		c.sink.SetTransportStatus("mqtt", false, err.Error())
		return fmt.Errorf("mqtt connect: %w", err)
	}

	<-ctx.Done()
	c.conn.Disconnect(250)
	metrics.SetUpstreamConnected("mqtt", false)
	return ctx.Err()
}

// subscribe registers every v1/ topic. Runs on each (re)connect since the
// session is clean.
func (c *Client) subscribe(conn paho.Client) {
	for _, suffix := range normalize.MQTTTopics {
		topic := topicPrefix + suffix
		tok := conn.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
			c.sink.OnMQTT(m.Topic(), m.Payload())
		})
		if !tok.WaitTimeout(subscribeTimeout) || tok.Error() != nil {
			c.logger.Error().Err(tok.Error()).Str(log.FieldTopic, topic).Msg("subscribe failed")
			continue
		}
		c.logger.Debug().Str(log.FieldTopic, topic).Msg("subscribed")
	}
}
