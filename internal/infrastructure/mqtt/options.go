package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/growlink-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout bounds a single connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// defaultInitialDelay and defaultMaxDelay apply when the config leaves them unset.
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions creates paho MQTT options from Growlink config.
//
// The initial connection is retried by Connect, so paho's own connect retry
// stays off; auto-reconnect covers connections lost later.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(reconnectDelays(cfg.Reconnect).max)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// brokerURL returns tcp:// or ssl:// depending on the TLS setting.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

type delays struct {
	initial time.Duration
	max     time.Duration
}

func reconnectDelays(r config.MQTTReconnectConfig) delays {
	d := delays{
		initial: time.Duration(r.InitialDelay) * time.Second,
		max:     time.Duration(r.MaxDelay) * time.Second,
	}
	if d.initial <= 0 {
		d.initial = defaultInitialDelay
	}
	if d.max <= 0 {
		d.max = defaultMaxDelay
	}
	if d.max < d.initial {
		d.max = d.initial
	}
	return d
}

// connectBackOff builds the exponential policy for the initial connection.
// MaxAttempts counts total attempts; zero or one means a single attempt.
func connectBackOff(r config.MQTTReconnectConfig) backoff.BackOff {
	d := reconnectDelays(r)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initial
	bo.MaxInterval = d.max
	bo.MaxElapsedTime = 0

	retries := 0
	if r.MaxAttempts > 1 {
		retries = r.MaxAttempts - 1
	}
	return backoff.WithMaxRetries(bo, uint64(retries))
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// Topic: growlink/system/status
// QoS: 1
// Retained: true
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)

	opts.SetWill(Topics{}.SystemStatus(), willPayload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}
