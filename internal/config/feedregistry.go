package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FeedDefinition is one entry of the static feed registry: the
// name/multicast/address-pool defaults a feed type implies before
// environment overrides (FMTP_FEED_NAME, FMTP_MCAST_GROUP, FMTP_POOL_CIDR)
// are applied on top.
type FeedDefinition struct {
	Name           string `yaml:"name"`
	MulticastGroup string `yaml:"multicast_group"`
	PoolCIDR       string `yaml:"pool_cidr"`
}

// FeedRegistry maps a feed-type integer (see GLOSSARY "Feed") to its
// static definition.
type FeedRegistry map[uint32]FeedDefinition

// loadFeedRegistry reads a YAML feed registry file, e.g.:
//
//	1:
//	  name: NEXRAD2
//	  multicast_group: 224.0.1.1:38800
//	  pool_cidr: 10.1.0.0/24
//	2:
//	  name: NEXRAD3
//	  multicast_group: 224.0.1.2:38800
//	  pool_cidr: 10.1.1.0/24
//
// An empty path is not an error: it means no registry was configured, and
// every binary falls back to FMTP_* environment variables and hardcoded
// defaults for the feed it serves.
func loadFeedRegistry(path string) (FeedRegistry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed registry %s: %w", path, err)
	}
	var registry FeedRegistry
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("parse feed registry %s: %w", path, err)
	}
	return registry, nil
}
