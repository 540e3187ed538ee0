package model

import (
	"fmt"
	"slices"
)

// HostState represents the lifecycle state of a host as seen by the router
type HostState string

const (
	// HostStateUp indicates the host is reachable and eligible for routing
	HostStateUp HostState = "UP"
	// HostStateDown indicates the host failed or stopped responding
	HostStateDown HostState = "DOWN"
	// HostStateAdded indicates the host joined but has not been confirmed up yet
	HostStateAdded HostState = "ADDED"
	// HostStateRemoved indicates the host left the cluster
	HostStateRemoved HostState = "REMOVED"
)

// Host is a single database node. Hosts are values: the registry publishes a
// fresh copy on every change and everything else refers to a host by Address.
type Host struct {
	Address    string    `json:"address"`
	Datacenter string    `json:"datacenter"`
	Rack       string    `json:"rack,omitempty"`
	State      HostState `json:"state"`
	// Generation is the highest incarnation of the node observed so far.
	// Events carrying a lower generation are stale and get dropped.
	Generation uint64   `json:"generation"`
	Tokens     []string `json:"tokens,omitempty"`
}

// IsLive reports whether the host may be handed to the execution layer.
// A freshly added host is treated like an up host.
func (h *Host) IsLive() bool {
	return h.State == HostStateUp || h.State == HostStateAdded
}

// Clone returns a deep copy of the host
func (h *Host) Clone() *Host {
	c := *h
	c.Tokens = slices.Clone(h.Tokens)
	return &c
}

// SameMetadata reports whether two hosts share placement metadata
func (h *Host) SameMetadata(other *Host) bool {
	return h.Datacenter == other.Datacenter &&
		h.Rack == other.Rack &&
		slices.Equal(h.Tokens, other.Tokens)
}

func (h *Host) String() string {
	return fmt.Sprintf("%s[dc=%s,rack=%s,state=%s]", h.Address, h.Datacenter, h.Rack, h.State)
}

// Addresses returns the addresses of hosts, in order
func Addresses(hosts []*Host) []string {
	addrs := make([]string, 0, len(hosts))
	for _, h := range hosts {
		addrs = append(addrs, h.Address)
	}
	return addrs
}
