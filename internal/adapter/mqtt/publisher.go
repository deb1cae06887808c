// Package mqtt publishes fleet snapshots and readings to an MQTT broker,
// with automatic reconnection and message buffering across outages.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/edgevolt/inverter-fleet/internal/domain"
	"github.com/edgevolt/inverter-fleet/internal/metrics"
	"github.com/edgevolt/inverter-fleet/pkg/logging"
)

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "inverter-fleet",
		TopicPrefix:    "fleet",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     10000,
		PublishTimeout: 5 * time.Second,
		RetainMessages: false,
	}
}

// bufferedMessage is a message waiting out a broker outage.
type bufferedMessage struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// PublisherStats tracks publisher counters.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// Publisher publishes fleet data to the MQTT broker. While the broker is
// unreachable messages accumulate in a bounded buffer; when it fills, the
// oldest message is dropped first.
type Publisher struct {
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	client    pahomqtt.Client
	connected atomic.Bool

	messageBuffer chan *bufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
}

// NewPublisher creates a new MQTT publisher.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	if config.BufferSize == 0 {
		config.BufferSize = 10000
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "fleet"
	}

	return &Publisher{
		config:        config,
		logger:        logging.Component(logger, "mqtt-publisher"),
		metrics:       metricsReg,
		messageBuffer: make(chan *bufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
	}
}

// Connect establishes the connection to the MQTT broker and starts the
// buffer processor.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	p.mu.Lock()
	p.client = pahomqtt.NewClient(opts)
	client := p.client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.connected.Store(true)
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.processBuffer()

	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect stops the buffer processor and disconnects from the broker.
func (p *Publisher) Disconnect() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// PublishSnapshot publishes a merged fleet snapshot to {prefix}/snapshot.
// Per-register values go out separately through PublishReading. Implements
// the orchestrator's snapshot sink; failures are logged, not returned,
// because the next cycle supersedes this one anyway.
func (p *Publisher) PublishSnapshot(snapshot domain.Snapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to serialize snapshot")
		return
	}

	topic := p.config.TopicPrefix + "/snapshot"
	if err := p.publish(topic, payload, true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish snapshot")
	}
}

// PublishReading publishes one reading to {prefix}/data/{device}/{register}.
func (p *Publisher) PublishReading(ctx context.Context, reading *domain.Reading) error {
	payload, err := reading.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize reading: %w", err)
	}
	topic := fmt.Sprintf("%s/data/%s/%s", p.config.TopicPrefix, reading.DeviceID, reading.Name)
	return p.publish(topic, payload, p.config.RetainMessages)
}

// publish sends now when connected, buffers otherwise.
func (p *Publisher) publish(topic string, payload []byte, retained bool) error {
	if !p.connected.Load() {
		return p.buffer(topic, payload, retained)
	}
	return p.publishRaw(topic, payload, retained)
}

// publishRaw performs the broker round trip.
func (p *Publisher) publishRaw(topic string, payload []byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, p.config.QoS, retained, payload)
	if !token.WaitTimeout(p.config.PublishTimeout) {
		p.stats.MessagesFailed.Add(1)
		if p.metrics != nil {
			p.metrics.RecordMQTTPublish(false, p.config.PublishTimeout.Seconds())
		}
		return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
	}
	if token.Error() != nil {
		p.stats.MessagesFailed.Add(1)
		if p.metrics != nil {
			p.metrics.RecordMQTTPublish(false, time.Since(start).Seconds())
		}
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true, time.Since(start).Seconds())
		p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
	}
	return nil
}

// buffer queues a message for the buffer processor, dropping the oldest
// message when full.
func (p *Publisher) buffer(topic string, payload []byte, retained bool) error {
	msg := &bufferedMessage{Topic: topic, Payload: payload, Retained: retained}

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		select {
		case <-p.messageBuffer:
			p.messageBuffer <- msg
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
			return nil
		default:
			return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
		}
	}
}

// processBuffer flushes buffered messages once the broker is back.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return
		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				if err := p.publishRaw(msg.Topic, msg.Payload, msg.Retained); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
				}
			} else {
				select {
				case p.messageBuffer <- msg:
				default:
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

// drainBuffer attempts to flush the remaining buffer on shutdown.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				if err := p.publishRaw(msg.Topic, msg.Payload, msg.Retained); err != nil {
					p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
				}
			}
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

// createTLSConfig builds the TLS configuration for secure brokers.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	if p.metrics != nil {
		p.metrics.MQTTReconnects.Inc()
	}
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected reports whether the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns a snapshot of publisher counters.
func (p *Publisher) Stats() map[string]uint64 {
	return map[string]uint64{
		"messages_published": p.stats.MessagesPublished.Load(),
		"messages_failed":    p.stats.MessagesFailed.Load(),
		"messages_buffered":  p.stats.MessagesBuffered.Load(),
		"bytes_sent":         p.stats.BytesSent.Load(),
		"reconnect_count":    p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

// Client returns the underlying MQTT client for the command handler.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}
