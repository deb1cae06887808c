package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("HTTP.Port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Modbus.ConnectTimeout != 3*time.Second {
		t.Errorf("Modbus.ConnectTimeout = %v, want 3s", cfg.Modbus.ConnectTimeout)
	}
	if cfg.Modbus.QuietInterval != 100*time.Millisecond {
		t.Errorf("Modbus.QuietInterval = %v, want 100ms", cfg.Modbus.QuietInterval)
	}
	if cfg.Modbus.MaxRetries != 2 {
		t.Errorf("Modbus.MaxRetries = %d, want 2", cfg.Modbus.MaxRetries)
	}
	if cfg.Orchestrator.DeviceTimeout != 15*time.Second {
		t.Errorf("Orchestrator.DeviceTimeout = %v, want 15s", cfg.Orchestrator.DeviceTimeout)
	}
	if cfg.Orchestrator.CycleTimeout != 30*time.Second {
		t.Errorf("Orchestrator.CycleTimeout = %v, want 30s", cfg.Orchestrator.CycleTimeout)
	}
	if cfg.Orchestrator.NominalPowerRegister != "nominal_power" {
		t.Errorf("NominalPowerRegister = %q", cfg.Orchestrator.NominalPowerRegister)
	}
	if cfg.MQTT.TopicPrefix != "fleet" {
		t.Errorf("MQTT.TopicPrefix = %q, want fleet", cfg.MQTT.TopicPrefix)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DevicesConfigPath: "./devices.yaml",
			HTTP:              HTTPConfig{Port: 8080},
			MQTT:              MQTTConfig{Enabled: true, BrokerURL: "tcp://localhost:1883"},
			Orchestrator: OrchestratorConfig{
				DeviceTimeout: 15 * time.Second,
				CycleTimeout:  30 * time.Second,
			},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}

	c := valid()
	c.HTTP.Port = 0
	if err := c.Validate(); err == nil {
		t.Error("Validate(zero port) = nil, want error")
	}

	c = valid()
	c.MQTT.BrokerURL = ""
	if err := c.Validate(); err == nil {
		t.Error("Validate(MQTT enabled without broker) = nil, want error")
	}
	c.MQTT.Enabled = false
	if err := c.Validate(); err != nil {
		t.Errorf("Validate(MQTT disabled without broker) = %v, want nil", err)
	}

	c = valid()
	c.DevicesConfigPath = ""
	if err := c.Validate(); err == nil {
		t.Error("Validate(no devices path) = nil, want error")
	}

	c = valid()
	c.Orchestrator.DeviceTimeout = time.Minute
	if err := c.Validate(); err == nil {
		t.Error("Validate(device timeout > cycle timeout) = nil, want error")
	}
}
