package config

import "gopkg.in/yaml.v3"

const maskedValue = "***"

// Dump renders the effective configuration as YAML for debug logging.
// Venue credentials are masked.
func (c *Config) Dump() string {
	out := *c
	if out.Binance.APIKey != "" {
		out.Binance.APIKey = maskedValue
	}
	if out.Binance.APISecret != "" {
		out.Binance.APISecret = maskedValue
	}
	raw, err := yaml.Marshal(&out)
	if err != nil {
		return ""
	}
	return string(raw)
}
