package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signet-gw/gateway/pkg/tenant"
)

// reservedFile is the on-disk shape of RESERVED_CONFIG: reserved
// capacity and overage tiers are authored as YAML rather than folded
// into the API_KEYS JSON blob, since operators tune them far more
// often than they rotate keys.
type reservedFile struct {
	Tenants map[string]tenant.Reserved `yaml:"tenants"`
}

// LoadReservedConfig reads RESERVED_CONFIG (if set) and merges each
// entry into the matching tenant.Config by tenant name. A tenant named
// in the file but absent from API_KEYS is ignored; a tenant present in
// API_KEYS but absent from the file keeps whatever Reserved it already
// carries (nil, meaning unmetered).
func LoadReservedConfig(path string, apiKeys map[string]tenant.Config) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read reserved config %s: %w", path, err)
	}

	var doc reservedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: parse reserved config %s: %w", path, err)
	}

	for apiKey, cfg := range apiKeys {
		reserved, ok := doc.Tenants[cfg.Tenant]
		if !ok {
			continue
		}
		r := reserved
		cfg.Reserved = &r
		apiKeys[apiKey] = cfg
	}
	return nil
}
