package router

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerDescriptor is one downstream model-server enclave's config entry.
type ServerDescriptor struct {
	ID                   string   `yaml:"id"`
	WSEndpoint           string   `yaml:"ws_endpoint"`
	AttestationEndpoint  string   `yaml:"attestation_endpoint,omitempty"`
	PublicKeyHex         string   `yaml:"public_key,omitempty"`
	Models               []string `yaml:"models"`
}

// AttestationURL returns the explicit endpoint if set, otherwise
// derives it from ws_endpoint: ws://host:8081 -> http://host:8080/attestation
// (wss -> https; port 8081 -> 8080 only when present literally).
func (s ServerDescriptor) AttestationURL() string {
	if s.AttestationEndpoint != "" {
		return s.AttestationEndpoint
	}
	http := strings.Replace(s.WSEndpoint, "ws://", "http://", 1)
	http = strings.Replace(http, "wss://", "https://", 1)
	if strings.Contains(http, ":8081") {
		http = strings.Replace(http, ":8081", ":8080", 1)
	}
	return strings.TrimRight(http, "/") + "/attestation"
}

// HasWildcard reports whether this server accepts any model.
func (s ServerDescriptor) HasWildcard() bool {
	for _, m := range s.Models {
		if m == "*" {
			return true
		}
	}
	return false
}

// Config is the router's full configuration: a list of downstream servers.
type Config struct {
	Servers []ServerDescriptor `yaml:"servers"`
}

// LoadConfig reads and parses a YAML router config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromEnv builds a single-server config from
// MODEL_SERVER_WS_ENDPOINT / MODEL_SERVER_PUBLIC_KEY /
// MODEL_SERVER_ATTESTATION_ENDPOINT, the fallback used when ROUTER_CONFIG
// is not set.
func ConfigFromEnv() Config {
	endpoint := os.Getenv("MODEL_SERVER_WS_ENDPOINT")
	if endpoint == "" {
		endpoint = "ws://localhost:8081"
	}
	return Config{
		Servers: []ServerDescriptor{{
			ID:                  "default",
			WSEndpoint:          endpoint,
			AttestationEndpoint: os.Getenv("MODEL_SERVER_ATTESTATION_ENDPOINT"),
			PublicKeyHex:        os.Getenv("MODEL_SERVER_PUBLIC_KEY"),
			Models:              []string{"*"},
		}},
	}
}

// LoadConfigFromEnv follows the same precedence as the reference
// implementation: ROUTER_CONFIG file path wins if set, otherwise the
// single-server env-var fallback applies.
func LoadConfigFromEnv() (Config, error) {
	if path := os.Getenv("ROUTER_CONFIG"); path != "" {
		return LoadConfig(path)
	}
	return ConfigFromEnv(), nil
}
