package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/edgevolt/inverter-fleet/internal/domain"
	"github.com/edgevolt/inverter-fleet/pkg/logging"
)

// CommandConfig holds configuration for the MQTT command surface.
type CommandConfig struct {
	// TopicPrefix is the MQTT topic prefix for commands
	TopicPrefix string

	// ResponseTopicPrefix is the MQTT topic prefix for acknowledgements
	ResponseTopicPrefix string

	// WriteTimeout bounds each write operation
	WriteTimeout time.Duration

	// QoS is the MQTT QoS level for command messages
	QoS byte

	// EnableAcknowledgement publishes a response per command when set
	EnableAcknowledgement bool
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		TopicPrefix:           "fleet/cmd",
		ResponseTopicPrefix:   "fleet/cmd/response",
		WriteTimeout:          10 * time.Second,
		QoS:                   1,
		EnableAcknowledgement: true,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	Received  atomic.Uint64
	Succeeded atomic.Uint64
	Failed    atomic.Uint64
	Rejected  atomic.Uint64
}

// powerCommand is the payload of a nominal-power setpoint command.
type powerCommand struct {
	Power       int `json:"power"`
	PowerFactor int `json:"power_factor"`
}

// commandResponse is the acknowledgement payload.
type commandResponse struct {
	DeviceID  string `json:"device_id"`
	Register  string `json:"register,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"ts"`
}

// CommandHandler exposes register writes and the power setpoint over MQTT.
//
// Topics:
//
//	{prefix}/{device_id}/{register}/set  raw JSON value, writes one register
//	{prefix}/{device_id}/power           {"power": W, "power_factor": pf}
//
// The device ID "primary" targets the fleet's primary device. Writes go
// through the orchestrator, so they queue behind the device lock like every
// other operation.
type CommandHandler struct {
	client       mqtt.Client
	orchestrator *Orchestrator
	config       CommandConfig
	logger       zerolog.Logger
	stats        *CommandStats
	running      atomic.Bool
}

// NewCommandHandler creates the MQTT command surface.
func NewCommandHandler(client mqtt.Client, orchestrator *Orchestrator, config CommandConfig, logger zerolog.Logger) *CommandHandler {
	return &CommandHandler{
		client:       client,
		orchestrator: orchestrator,
		config:       config,
		logger:       logging.Component(logger, "command-handler"),
		stats:        &CommandStats{},
	}
}

// Start subscribes to the command topics.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	setTopic := fmt.Sprintf("%s/+/+/set", h.config.TopicPrefix)
	if token := h.client.Subscribe(setTopic, h.config.QoS, h.handleRegisterWrite); token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}

	powerTopic := fmt.Sprintf("%s/+/power", h.config.TopicPrefix)
	if token := h.client.Subscribe(powerTopic, h.config.QoS, h.handlePowerCommand); token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}

	h.running.Store(true)
	h.logger.Info().Str("topic_prefix", h.config.TopicPrefix).Msg("Command handler started")
	return nil
}

// Stop unsubscribes from the command topics.
func (h *CommandHandler) Stop() {
	if !h.running.Load() {
		return
	}
	h.client.Unsubscribe(
		fmt.Sprintf("%s/+/+/set", h.config.TopicPrefix),
		fmt.Sprintf("%s/+/power", h.config.TopicPrefix),
	)
	h.running.Store(false)
	h.logger.Info().Msg("Command handler stopped")
}

// handleRegisterWrite handles {prefix}/{device_id}/{register}/set.
func (h *CommandHandler) handleRegisterWrite(_ mqtt.Client, msg mqtt.Message) {
	h.stats.Received.Add(1)

	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 4 {
		h.logger.Warn().Str("topic", msg.Topic()).Msg("Invalid command topic")
		h.stats.Rejected.Add(1)
		return
	}
	deviceID := h.resolveDevice(parts[len(parts)-3])
	register := parts[len(parts)-2]

	var value interface{}
	if err := json.Unmarshal(msg.Payload(), &value); err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Unparseable command payload")
		h.stats.Rejected.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
	defer cancel()

	err := h.orchestrator.WriteRegister(ctx, deviceID, register, value)
	h.finish(deviceID, register, err)
}

// handlePowerCommand handles {prefix}/{device_id}/power.
func (h *CommandHandler) handlePowerCommand(_ mqtt.Client, msg mqtt.Message) {
	h.stats.Received.Add(1)

	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 3 {
		h.logger.Warn().Str("topic", msg.Topic()).Msg("Invalid command topic")
		h.stats.Rejected.Add(1)
		return
	}
	deviceID := h.resolveDevice(parts[len(parts)-2])

	var cmd powerCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Unparseable power command")
		h.stats.Rejected.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
	defer cancel()

	err := h.orchestrator.SetNominalPower(ctx, deviceID, cmd.Power, cmd.PowerFactor)
	h.finish(deviceID, "nominal_power", err)
}

// resolveDevice maps the "primary" alias to the actual primary device ID.
func (h *CommandHandler) resolveDevice(id string) string {
	if id == "primary" {
		return ""
	}
	return id
}

func (h *CommandHandler) finish(deviceID, register string, err error) {
	if err != nil {
		h.stats.Failed.Add(1)
		h.logger.Error().Err(err).
			Str("device_id", deviceID).
			Str("register", register).
			Msg("Command failed")
	} else {
		h.stats.Succeeded.Add(1)
	}
	h.respond(deviceID, register, err)
}

// respond publishes an acknowledgement when enabled.
func (h *CommandHandler) respond(deviceID, register string, cmdErr error) {
	if !h.config.EnableAcknowledgement {
		return
	}
	resp := commandResponse{
		DeviceID:  deviceID,
		Register:  register,
		Success:   cmdErr == nil,
		Timestamp: time.Now().UnixMilli(),
	}
	if cmdErr != nil {
		resp.Error = cmdErr.Error()
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/%s", h.config.ResponseTopicPrefix, deviceID, register)
	if token := h.client.Publish(topic, h.config.QoS, false, payload); token.Wait() && token.Error() != nil {
		h.logger.Warn().Err(token.Error()).Msg("Failed to publish command response")
	}
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"received":  h.stats.Received.Load(),
		"succeeded": h.stats.Succeeded.Load(),
		"failed":    h.stats.Failed.Load(),
		"rejected":  h.stats.Rejected.Load(),
	}
}
