package mqtt

import (
	"crypto/tls"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 60 * time.Second

	// disconnectQuiesce is the time in milliseconds paho waits for pending work.
	disconnectQuiesce = 250
)

// buildClientOptions maps Options onto paho options. Reconnection is left to
// the caller: the telemetry client decides when and how often to retry.
func buildClientOptions(o Options) *MQTT.ClientOptions {
	opts := MQTT.NewClientOptions().AddBroker(o.BrokerURL())
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)

	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if o.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}
