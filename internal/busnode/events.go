package busnode

import "lanbus/internal/wire"

type EventType string

const (
	EventConnection       EventType = "connection"
	EventDisconnection    EventType = "disconnection"
	EventConnectionSrv    EventType = "connection_srv"
	EventDisconnectionSrv EventType = "disconnection_srv"
)

// Event is one discovery callback, bridged onto a channel so the UI loop
// can render it without blocking the engine.
type Event struct {
	Type  EventType
	Topic string
	Addr  string
	Ctrl  string
	PUuid string
	NUuid string
	Scope wire.Scope
}
