package config

import (
	"errors"

	"gopkg.in/yaml.v3"
)

const masked = "********"

// secretKeys are masked in YAML output. viper lowercases every key.
var secretKeys = map[string]bool{
	"remotetoken": true,
	"dsn":         true,
}

// YAML renders the effective configuration (defaults, file and environment
// merged) with credentials masked.
func (c *Config) YAML() ([]byte, error) {
	if c.settings == nil {
		return nil, errors.New("configuration was not loaded from viper")
	}
	return yaml.Marshal(maskSecrets(c.settings))
}

func maskSecrets(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = maskSecrets(val)
		default:
			if secretKeys[k] && val != "" && val != nil {
				out[k] = masked
				continue
			}
			out[k] = val
		}
	}
	return out
}
