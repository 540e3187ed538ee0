package model

// EventType is a topology change kind delivered to the registry
type EventType string

const (
	EventAdd    EventType = "ADD"
	EventUp     EventType = "UP"
	EventDown   EventType = "DOWN"
	EventRemove EventType = "REMOVE"
)

// HostEvent is a topology change for one host. Host.Generation carries the
// incarnation observed by the event source; zero means "current".
type HostEvent struct {
	Type EventType
	Host Host
}
