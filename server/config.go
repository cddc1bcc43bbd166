package server

import (
	"encoding/json"
	"os"
)

// Type Config is the server configuration, read from a JSON file in
// the data directory.
type Config struct {
	// Address is the address the websocket listener binds to.
	Address string `json:"address,omitempty"`
	// Insecure disables TLS.
	Insecure bool `json:"insecure,omitempty"`
	// Group is the name of the collaboration group this server
	// hosts; it appears in the audience of join tokens.
	Group string `json:"group,omitempty"`
	// CanonicalHost is the host name tokens must be issued for.
	// If empty, tokens for any host are accepted.
	CanonicalHost string `json:"canonicalHost,omitempty"`
	// TickRate is the number of fan-out ticks per second.
	TickRate int `json:"tickRate,omitempty"`
	// MaxPacketBufferCapacity clamps the per-client audio queue
	// depth requested at connect time.
	MaxPacketBufferCapacity int `json:"maxPacketBufferCapacity,omitempty"`
	// Password, if set, is required to join.
	Password *Password `json:"password,omitempty"`
	// AuthKeys are the JWK-format keys join tokens may be signed
	// with.  A valid token overrides Password.
	AuthKeys []map[string]interface{} `json:"authKeys,omitempty"`
}

const (
	defaultAddress  = ":8443"
	defaultTickRate = 30
)

func (config *Config) fillDefaults() {
	if config.Address == "" {
		config.Address = defaultAddress
	}
	if config.TickRate <= 0 {
		config.TickRate = defaultTickRate
	}
}

// ReadConfig reads the configuration file.  A missing file yields
// the default configuration; unknown fields are rejected.
func ReadConfig(filename string) (*Config, error) {
	config := &Config{}
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			config.fillDefaults()
			return config, nil
		}
		return nil, err
	}
	defer f.Close()
	d := json.NewDecoder(f)
	d.DisallowUnknownFields()
	err = d.Decode(config)
	if err != nil {
		return nil, err
	}
	config.fillDefaults()
	return config, nil
}
