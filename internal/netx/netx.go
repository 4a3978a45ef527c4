package netx

import "time"

// DiscoveryPort is the UDP port shared by every discovery participant.
const DiscoveryPort = 11312

// Packet is one datagram as read off the wire.
type Packet struct {
	SrcIP string
	Data  []byte
}

// Sender can put one datagram on the broadcast domain.
type Sender interface {
	Broadcast(data []byte) error
}

// Transport is the beacon transport the discovery engine runs on.
type Transport interface {
	Sender

	// Recv waits up to timeout for one datagram. ok is false when the
	// timeout expired with nothing to read.
	Recv(timeout time.Duration) (pkt Packet, ok bool, err error)

	// LocalHostAddr is the IP that datagrams sent from this host carry
	// as their source address on the broadcast domain.
	LocalHostAddr() string

	Close() error
}
