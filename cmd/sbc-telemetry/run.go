package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sbc-telemetry/pkg/codec"
	"sbc-telemetry/pkg/config"
	"sbc-telemetry/pkg/credentials"
	"sbc-telemetry/pkg/mqtt"
	"sbc-telemetry/pkg/mqtt2"
	"sbc-telemetry/pkg/netcheck"
	"sbc-telemetry/pkg/telemetry"
)

const closeTimeout = 5 * time.Second

// device describes what a command publishes. onConnected runs once after the
// first successful connection, before the loop starts.
type device struct {
	name        string
	channels    []telemetry.Channel
	onConnected func(ctx context.Context, c *telemetry.Client, status netcheck.Status) error
	onExit      func()
}

// run connects and publishes until a signal arrives. Only startup and
// connection failures are returned.
func (a *app) run(parent context.Context, d device) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d.onExit != nil {
		defer d.onExit()
	}

	cfg := a.cfg
	logger := a.logger.With().Str("device", d.name).Logger()

	status := netcheck.NewProber(cfg.Network.Interface, logger).
		Probe(ctx, cfg.Network.Attempts, cfg.Network.Wait)

	credPath, err := credentials.Resolve(cfg.Credentials.File)
	if err != nil {
		return err
	}
	creds, err := credentials.Load(credPath)
	if err != nil {
		return err
	}
	logger.Debug().Str("ssid", creds.NetworkSSID).Str("user", creds.BrokerUser).Msg("Credentials loaded")

	client := telemetry.New(clientConfig(cfg, creds, d.channels), newTransport(cfg.Broker.Protocol, logger), logger)
	if _, err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.AwaitConnection(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := client.Close(cctx); err != nil {
			logger.Warn().Err(err).Msg("Close failed")
		}
	}()

	if d.onConnected != nil {
		if err := d.onConnected(ctx, client, status); err != nil {
			logger.Warn().Err(err).Msg("Post-connect setup failed")
		}
	}

	sampler := telemetry.NewSampler(client, logger, d.channels...)
	logger.Info().Dur("interval", cfg.Loop.Interval).Msg("Publishing")
	if err := client.Run(ctx, cfg.Loop.Interval, sampler.Tick); err != nil {
		return err
	}
	logger.Info().Msg("Shutting down")
	return nil
}

func newTransport(protocol int, logger zerolog.Logger) mqtt.Transport {
	if protocol == 5 {
		return mqtt2.NewMQTTClient(logger)
	}
	return mqtt.NewMQTTClient(logger)
}

func clientConfig(cfg *config.Config, creds credentials.Credentials, channels []telemetry.Channel) telemetry.Config {
	publish := append([]string(nil), cfg.Topics.Publish...)
	for _, ch := range channels {
		if !contains(publish, ch.Topic) {
			publish = append(publish, ch.Topic)
		}
	}
	if cfg.Topics.Status != "" && !contains(publish, cfg.Topics.Status) {
		publish = append(publish, cfg.Topics.Status)
	}

	return telemetry.Config{
		Server:          cfg.Broker.Host,
		Port:            cfg.Broker.Port,
		ClientID:        cfg.Broker.ClientID,
		Username:        creds.BrokerUser,
		Password:        creds.BrokerPassword,
		TLS:             cfg.Broker.TLS,
		QoS:             byte(cfg.Broker.QoS),
		Retain:          cfg.Broker.Retain,
		KeepAlive:       cfg.Broker.KeepAlive,
		SubscribeTopics: cfg.Topics.Subscribe,
		PublishTopics:   publish,
		PollInterval:    cfg.Loop.PollInterval,
		ConnectTimeout:  cfg.Loop.ConnectTimeout,
		Resolution:      cfg.Loop.Resolution,
		Reconnect: telemetry.ReconnectPolicy{
			MaxRetries:      cfg.Reconnect.MaxRetries,
			InitialInterval: cfg.Reconnect.InitialDelay,
			MaxInterval:     cfg.Reconnect.MaxDelay,
		},
	}
}

// publishStatus sends the connectivity report once, if a status topic is set.
func publishStatus(ctx context.Context, c *telemetry.Client, topic string, s netcheck.Status) error {
	if topic == "" {
		return nil
	}
	_, err := c.Publish(ctx, topic, codec.Payload{
		"connected": s.Connected,
		"hostname":  s.Hostname,
		"address":   s.Address,
	})
	if err != nil {
		return fmt.Errorf("publishing connection status: %w", err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
