// Package topology loads a static cluster description: the hosts to seed
// the registry with and the keyspaces whose replicas the ring indexes.
package topology

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/devrev/pairdb/queryrouter/internal/ring"
	"gopkg.in/yaml.v3"
)

// File is the parsed topology file
type File struct {
	Hosts     []HostSpec     `yaml:"hosts"`
	Keyspaces []KeyspaceSpec `yaml:"keyspaces"`
}

// HostSpec describes one host. State defaults to up.
type HostSpec struct {
	Address    string   `yaml:"address"`
	Datacenter string   `yaml:"datacenter"`
	Rack       string   `yaml:"rack"`
	Tokens     []string `yaml:"tokens"`
	State      string   `yaml:"state"`
}

// KeyspaceSpec describes one keyspace's replication
type KeyspaceSpec struct {
	Name              string         `yaml:"name"`
	Class             string         `yaml:"class"`
	ReplicationFactor int            `yaml:"replication_factor"`
	Datacenters       map[string]int `yaml:"datacenters"`
}

// Load reads and validates a topology file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates topology YAML
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	return &f, nil
}

// Validate checks host identities and keyspace definitions
func (f *File) Validate() error {
	seen := make(map[string]struct{}, len(f.Hosts))
	for i, h := range f.Hosts {
		if h.Address == "" {
			return fmt.Errorf("hosts[%d]: address is required", i)
		}
		if _, dup := seen[h.Address]; dup {
			return fmt.Errorf("hosts[%d]: duplicate address %s", i, h.Address)
		}
		seen[h.Address] = struct{}{}
		if _, err := parseState(h.State); err != nil {
			return fmt.Errorf("hosts[%d]: %w", i, err)
		}
	}

	names := make(map[string]struct{}, len(f.Keyspaces))
	for i, ks := range f.Keyspaces {
		if ks.Name == "" {
			return fmt.Errorf("keyspaces[%d]: name is required", i)
		}
		if _, dup := names[ks.Name]; dup {
			return fmt.Errorf("keyspaces[%d]: duplicate keyspace %s", i, ks.Name)
		}
		names[ks.Name] = struct{}{}
		if _, err := ks.Metadata(); err != nil {
			return fmt.Errorf("keyspaces[%d]: %w", i, err)
		}
	}
	return nil
}

// parseState accepts up and down; anything else is rejected
func parseState(s string) (model.HostState, error) {
	switch strings.ToLower(s) {
	case "", "up":
		return model.HostStateUp, nil
	case "down":
		return model.HostStateDown, nil
	default:
		return "", errors.New("state must be up or down")
	}
}

// Host converts the entry to a registry host. The state is applied
// separately since the registry always admits new hosts as added.
func (h HostSpec) Host() model.Host {
	return model.Host{
		Address:    h.Address,
		Datacenter: h.Datacenter,
		Rack:       h.Rack,
		Tokens:     h.Tokens,
	}
}

// Down reports whether the host should be marked down after it is added
func (h HostSpec) Down() bool {
	s, _ := parseState(h.State)
	return s == model.HostStateDown
}

// Metadata resolves the keyspace's replication strategy
func (k KeyspaceSpec) Metadata() (ring.KeyspaceMetadata, error) {
	class := k.Class
	if class == "" {
		class = "SimpleStrategy"
	}
	strategy, err := ring.NewStrategy(class, k.ReplicationFactor, k.Datacenters)
	if err != nil {
		return ring.KeyspaceMetadata{}, err
	}
	return ring.KeyspaceMetadata{Name: k.Name, Strategy: strategy}, nil
}
