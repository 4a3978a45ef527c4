package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the discovery protocol version spoken by this library. Datagrams
// carrying any other version are rejected on receive.
const Version uint16 = 1

// MsgType identifies the kind of a discovery datagram.
type MsgType uint8

const (
	AdvType MsgType = iota + 1
	SubType
	UnadvType
	HelloType
	ByeType
	AdvSrvType
	SubSrvType
	UnadvSrvType
)

func (t MsgType) String() string {
	switch t {
	case AdvType:
		return "ADVERTISE"
	case SubType:
		return "SUBSCRIBE"
	case UnadvType:
		return "UNADVERTISE"
	case HelloType:
		return "HELLO"
	case ByeType:
		return "BYE"
	case AdvSrvType:
		return "ADVERTISE_SRV"
	case SubSrvType:
		return "SUBSCRIBE_SRV"
	case UnadvSrvType:
		return "UNADVERTISE_SRV"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// HasBody reports whether datagrams of this type carry an endpoint body
// after the header.
func (t MsgType) HasBody() bool {
	switch t {
	case AdvType, UnadvType, AdvSrvType, UnadvSrvType:
		return true
	}
	return false
}

func (t MsgType) valid() bool {
	return t >= AdvType && t <= UnadvSrvType
}

// Scope is the visibility policy of an advertisement.
type Scope uint8

const (
	ScopeProcess Scope = iota
	ScopeHost
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeProcess:
		return "process"
	case ScopeHost:
		return "host"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

var (
	// ErrMalformed is returned when a buffer cannot be decoded: short
	// buffer, truncated string, unknown type or wrong protocol version.
	ErrMalformed = errors.New("malformed discovery datagram")

	// ErrIncomplete is returned when packing a record that is missing a
	// required field.
	ErrIncomplete = errors.New("incomplete record")
)

// Header precedes every discovery datagram on the wire.
//
// Layout, all integers little-endian:
//
//	u16 version | u64 pUuid len | pUuid | u16 topic len | topic | u8 type | u16 flags
type Header struct {
	Version uint16
	PUuid   string
	Topic   string
	Type    MsgType
	Flags   uint16
}

// Len returns the encoded size of the header in bytes.
func (h *Header) Len() int {
	return 2 + 8 + len(h.PUuid) + 2 + len(h.Topic) + 1 + 2
}

func (h *Header) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(h.PUuid)))
	buf = append(buf, h.PUuid...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.Topic)))
	buf = append(buf, h.Topic...)
	buf = append(buf, byte(h.Type))
	buf = binary.LittleEndian.AppendUint16(buf, h.Flags)
	return buf
}

func unpackHeader(buf []byte) (Header, int, error) {
	var h Header
	var off int

	if len(buf) < off+2 {
		return h, 0, fmt.Errorf("%w: short header", ErrMalformed)
	}
	h.Version = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	if h.Version != Version {
		return h, 0, fmt.Errorf("%w: version %d", ErrMalformed, h.Version)
	}

	var err error
	h.PUuid, off, err = getString64(buf, off)
	if err != nil {
		return h, 0, err
	}

	h.Topic, off, err = getString16(buf, off)
	if err != nil {
		return h, 0, err
	}

	if len(buf) < off+1 {
		return h, 0, fmt.Errorf("%w: short header", ErrMalformed)
	}
	h.Type = MsgType(buf[off])
	off++
	if !h.Type.valid() {
		return h, 0, fmt.Errorf("%w: type %d", ErrMalformed, uint8(h.Type))
	}

	if len(buf) < off+2 {
		return h, 0, fmt.Errorf("%w: short header", ErrMalformed)
	}
	h.Flags = binary.LittleEndian.Uint16(buf[off:])
	off += 2

	return h, off, nil
}

// AdvBody carries the endpoints of a single advertised (topic, node). It
// follows the header in ADVERTISE and UNADVERTISE datagrams.
//
//	u64 addr len | addr | u64 ctrl len | ctrl | u64 nUuid len | nUuid | u8 scope
type AdvBody struct {
	Addr  string
	Ctrl  string
	NUuid string
	Scope Scope
}

// Len returns the encoded size of the body in bytes.
func (b *AdvBody) Len() int {
	return 8 + len(b.Addr) + 8 + len(b.Ctrl) + 8 + len(b.NUuid) + 1
}

func (b *AdvBody) appendTo(buf []byte) []byte {
	buf = appendString64(buf, b.Addr)
	buf = appendString64(buf, b.Ctrl)
	buf = appendString64(buf, b.NUuid)
	buf = append(buf, byte(b.Scope))
	return buf
}

func unpackAdvBody(buf []byte, off int) (AdvBody, int, error) {
	var b AdvBody
	var err error

	b.Addr, off, err = getString64(buf, off)
	if err != nil {
		return b, 0, err
	}
	b.Ctrl, off, err = getString64(buf, off)
	if err != nil {
		return b, 0, err
	}
	b.NUuid, off, err = getString64(buf, off)
	if err != nil {
		return b, 0, err
	}

	if len(buf) < off+1 {
		return b, 0, fmt.Errorf("%w: short body", ErrMalformed)
	}
	b.Scope = Scope(buf[off])
	off++
	if b.Scope > ScopeAll {
		return b, 0, fmt.Errorf("%w: scope %d", ErrMalformed, uint8(b.Scope))
	}

	return b, off, nil
}

// Message is a decoded discovery datagram: a header plus, for the
// [UN]ADVERTISE kinds, an endpoint body.
type Message struct {
	Header Header
	Body   *AdvBody // nil unless Header.Type.HasBody()
}

// Pack serializes the message. It fails with ErrIncomplete when a body-kind
// message has no body, or a bodiless kind carries one.
func (m *Message) Pack() ([]byte, error) {
	if m.Header.Type.HasBody() != (m.Body != nil) {
		return nil, fmt.Errorf("%w: %s body mismatch", ErrIncomplete, m.Header.Type)
	}

	size := m.Header.Len()
	if m.Body != nil {
		size += m.Body.Len()
	}

	buf := make([]byte, 0, size)
	buf = m.Header.appendTo(buf)
	if m.Body != nil {
		buf = m.Body.appendTo(buf)
	}
	return buf, nil
}

// Unpack decodes a discovery datagram. Anything that does not parse exactly,
// including trailing bytes, fails with ErrMalformed.
func Unpack(buf []byte) (*Message, error) {
	h, off, err := unpackHeader(buf)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: h}
	if h.Type.HasBody() {
		b, n, err := unpackAdvBody(buf, off)
		if err != nil {
			return nil, err
		}
		m.Body = &b
		off = n
	}

	if off != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(buf)-off)
	}
	return m, nil
}

func appendString64(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func getString64(buf []byte, off int) (string, int, error) {
	if len(buf) < off+8 {
		return "", 0, fmt.Errorf("%w: short length prefix", ErrMalformed)
	}
	l := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	if l > uint64(len(buf)-off) {
		return "", 0, fmt.Errorf("%w: truncated string", ErrMalformed)
	}
	s := string(buf[off : off+int(l)])
	return s, off + int(l), nil
}

func getString16(buf []byte, off int) (string, int, error) {
	if len(buf) < off+2 {
		return "", 0, fmt.Errorf("%w: short length prefix", ErrMalformed)
	}
	l := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if l > len(buf)-off {
		return "", 0, fmt.Errorf("%w: truncated string", ErrMalformed)
	}
	s := string(buf[off : off+l])
	return s, off + l, nil
}
