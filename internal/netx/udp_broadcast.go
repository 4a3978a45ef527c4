package netx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// UDPBroadcast is the production Transport: a UDP socket bound to the
// discovery port, broadcasting to every eligible interface.
type UDPBroadcast struct {
	port     int
	hostAddr string

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewUDPBroadcast opens the discovery socket on the given port. Several
// processes on one host may bind it at the same time.
func NewUDPBroadcast(port int) (*UDPBroadcast, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			if network == "udp4" || network == "udp" {
				ctrlErr = c.Control(func(fd uintptr) {
					// Allow multiple sockets to bind the same addr:port.
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
					// SO_REUSEPORT is not available everywhere, but it's fine if it fails.
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				})
			}
			return ctrlErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("discovery listen: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("discovery listen: not a UDPConn")
	}

	return &UDPBroadcast{
		port:     port,
		hostAddr: localHostAddr(),
		conn:     udpConn,
	}, nil
}

func (u *UDPBroadcast) LocalHostAddr() string { return u.hostAddr }

// Recv reads one datagram, waiting at most timeout.
func (u *UDPBroadcast) Recv(timeout time.Duration) (Packet, bool, error) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return Packet{}, false, net.ErrClosed
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	buf := make([]byte, 64*1024)
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Packet{}, false, nil
		}
		return Packet{}, false, err
	}

	data := make([]byte, n)
	copy(data, buf[:n])
	return Packet{SrcIP: addr.IP.String(), Data: data}, true, nil
}

// Broadcast sends one datagram to the broadcast address of every usable
// interface, plus loopback so that other processes on this host hear it even
// where broadcast is filtered.
func (u *UDPBroadcast) Broadcast(data []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}

	targets := interfaceBroadcastAddrs(u.port)
	if len(targets) == 0 {
		// fall back to limited broadcast
		targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: u.port})
	}
	targets = append(targets, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: u.port})

	var lastErr error
	sent := 0
	for _, dst := range targets {
		if _, err := conn.WriteToUDP(data, dst); err != nil {
			// Some interfaces claim broadcast support they don't have.
			if errors.Is(err, syscall.EADDRNOTAVAIL) {
				continue
			}
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("discovery broadcast: %w", lastErr)
	}
	return nil
}

func (u *UDPBroadcast) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

// interfaceBroadcastAddrs computes the directed broadcast address for every
// up, non point-to-point IPv4 interface.
func interfaceBroadcastAddrs(port int) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, 8)

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}

	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 {
			continue
		}
		if it.Flags&net.FlagPointToPoint != 0 {
			continue
		}

		addrs, err := it.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) != 4 {
				continue
			}

			// broadcast = ip | ^mask
			b := net.IPv4(
				ip4[0]|^mask[0],
				ip4[1]|^mask[1],
				ip4[2]|^mask[2],
				ip4[3]|^mask[3],
			)
			out = append(out, &net.UDPAddr{IP: b, Port: port})
		}
	}
	return out
}

// localHostAddr picks the primary IPv4 address of this host: the first
// global unicast address of an up, non point-to-point interface.
func localHostAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 || it.Flags&net.FlagPointToPoint != 0 {
			continue
		}
		addrs, err := it.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || !ip4.IsGlobalUnicast() {
				continue
			}
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
