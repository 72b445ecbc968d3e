// Package config decodes the gateway's client configuration: the bus
// address it answers to, the serial parameters of the link beneath it,
// and the protocol version it speaks.
package config

import (
	"fmt"

	"github.com/andreyvit/tinyjson"

	"fbbusgw/wire"
)

const (
	defaultClientAddress   = 254
	defaultClientBaudRate  = 38400
	defaultClientInterface = "/dev/ttyAMA0"
	protocolVersionV1      = "V1"
)

// defaultClientConfigJSON documents the recognized option set and its
// defaults; Load starts from these before applying caller-supplied
// overrides.
const defaultClientConfigJSON = `{
	"client_address": 254,
	"client_baud_rate": 38400,
	"client_interface": "/dev/ttyAMA0",
	"protocol_version": "V1"
}`

// ClientConfig is the recognized option set from the external interfaces
// table: the gateway's own bus address, the serial device and baud rate
// of the link beneath it, and the protocol version it is allowed to speak.
type ClientConfig struct {
	ClientAddress   uint8
	ClientBaudRate  int
	ClientInterface string
	ProtocolVersion string
}

// DefaultClientConfig returns the documented defaults.
func DefaultClientConfig() ClientConfig {
	cfg, err := decode([]byte(defaultClientConfigJSON), ClientConfig{})
	if err != nil {
		// defaultClientConfigJSON is a compile-time constant; a decode
		// failure here is a programming error, not a runtime condition.
		panic("config: default client config does not decode: " + err.Error())
	}
	return cfg
}

// Load decodes raw as a JSON object of recognized options layered over
// DefaultClientConfig. Unrecognized keys are ignored. ProtocolVersion,
// if present, must equal "V1".
func Load(raw []byte) (ClientConfig, error) {
	if len(raw) == 0 {
		return DefaultClientConfig(), nil
	}
	cfg, err := decode(raw, DefaultClientConfig())
	if err != nil {
		return ClientConfig{}, err
	}
	if cfg.ProtocolVersion != protocolVersionV1 {
		return ClientConfig{}, fmt.Errorf("config: unsupported protocol_version %q, only %q is defined", cfg.ProtocolVersion, protocolVersionV1)
	}
	return cfg, nil
}

func decode(raw []byte, base ClientConfig) (ClientConfig, error) {
	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()

	m, ok := val.(map[string]any)
	if !ok {
		return ClientConfig{}, fmt.Errorf("config: client config is not a JSON object")
	}

	cfg := base
	if v, ok := m["client_address"]; ok {
		n, ok := v.(float64)
		if !ok || n < 0 || n > float64(wire.DefaultMasterAddress) {
			return ClientConfig{}, fmt.Errorf("config: client_address must be a number in [0,%d], got %#v", wire.DefaultMasterAddress, v)
		}
		cfg.ClientAddress = uint8(n)
	}
	if v, ok := m["client_baud_rate"]; ok {
		n, ok := v.(float64)
		if !ok || n <= 0 {
			return ClientConfig{}, fmt.Errorf("config: client_baud_rate must be a positive number, got %#v", v)
		}
		cfg.ClientBaudRate = int(n)
	}
	if v, ok := m["client_interface"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return ClientConfig{}, fmt.Errorf("config: client_interface must be a non-empty string, got %#v", v)
		}
		cfg.ClientInterface = s
	}
	if v, ok := m["protocol_version"]; ok {
		s, ok := v.(string)
		if !ok {
			return ClientConfig{}, fmt.Errorf("config: protocol_version must be a string, got %#v", v)
		}
		cfg.ProtocolVersion = s
	}
	return cfg, nil
}
