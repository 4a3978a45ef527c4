package wire

import (
	"fmt"
)

// Publisher is the part common to message and service publisher records as
// exchanged by the data-plane handshake. The process UUID travels in the
// datagram header and is never repeated in the body.
//
//	u64 topic len | topic | u64 addr len | addr | u64 nUuid len | nUuid | u8 scope
type Publisher struct {
	Topic string
	Addr  string
	PUuid string
	NUuid string
	Scope Scope
}

// MsgLength returns the encoded size of the record in bytes.
func (p *Publisher) MsgLength() int {
	return 8 + len(p.Topic) + 8 + len(p.Addr) + 8 + len(p.NUuid) + 1
}

// Pack serializes the record. A record missing its topic, address or node
// UUID is refused with ErrIncomplete.
func (p *Publisher) Pack() ([]byte, error) {
	if p.Topic == "" || p.Addr == "" || p.NUuid == "" {
		return nil, fmt.Errorf("%w: publisher %s", ErrIncomplete, p)
	}
	return p.appendTo(make([]byte, 0, p.MsgLength())), nil
}

func (p *Publisher) appendTo(buf []byte) []byte {
	buf = appendString64(buf, p.Topic)
	buf = appendString64(buf, p.Addr)
	buf = appendString64(buf, p.NUuid)
	return append(buf, byte(p.Scope))
}

// Unpack decodes the record from the start of buf and returns the number of
// bytes consumed. Trailing bytes are left for the caller.
func (p *Publisher) Unpack(buf []byte) (int, error) {
	var off int
	var err error

	p.Topic, off, err = getString64(buf, off)
	if err != nil {
		return 0, err
	}
	p.Addr, off, err = getString64(buf, off)
	if err != nil {
		return 0, err
	}
	p.NUuid, off, err = getString64(buf, off)
	if err != nil {
		return 0, err
	}

	if len(buf) < off+1 {
		return 0, fmt.Errorf("%w: short publisher", ErrMalformed)
	}
	p.Scope = Scope(buf[off])
	off++
	if p.Scope > ScopeAll {
		return 0, fmt.Errorf("%w: scope %d", ErrMalformed, uint8(p.Scope))
	}
	return off, nil
}

func (p *Publisher) String() string {
	return fmt.Sprintf("topic=%q addr=%q pUuid=%q nUuid=%q scope=%s",
		p.Topic, p.Addr, p.PUuid, p.NUuid, p.Scope)
}

// MessagePublisher describes a node publishing messages on a topic. On top
// of the common record it carries the control endpoint and the advertised
// message type name.
type MessagePublisher struct {
	Publisher
	Ctrl        string
	MsgTypeName string
}

func (p *MessagePublisher) MsgLength() int {
	return p.Publisher.MsgLength() + 8 + len(p.Ctrl) + 8 + len(p.MsgTypeName)
}

func (p *MessagePublisher) Pack() ([]byte, error) {
	if p.Ctrl == "" || p.MsgTypeName == "" {
		return nil, fmt.Errorf("%w: message publisher %s", ErrIncomplete, p)
	}
	base, err := p.Publisher.Pack()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, p.MsgLength())
	buf = append(buf, base...)
	buf = appendString64(buf, p.Ctrl)
	buf = appendString64(buf, p.MsgTypeName)
	return buf, nil
}

func (p *MessagePublisher) Unpack(buf []byte) (int, error) {
	off, err := p.Publisher.Unpack(buf)
	if err != nil {
		return 0, err
	}
	p.Ctrl, off, err = getString64(buf, off)
	if err != nil {
		return 0, err
	}
	p.MsgTypeName, off, err = getString64(buf, off)
	if err != nil {
		return 0, err
	}
	return off, nil
}

func (p *MessagePublisher) String() string {
	return fmt.Sprintf("%s ctrl=%q msgType=%q", p.Publisher.String(), p.Ctrl, p.MsgTypeName)
}

// ServicePublisher describes a node offering a service. On top of the common
// record it carries the responder socket ID and the request/response type
// names.
type ServicePublisher struct {
	Publisher
	SocketID    string
	ReqTypeName string
	RepTypeName string
}

func (p *ServicePublisher) MsgLength() int {
	return p.Publisher.MsgLength() +
		8 + len(p.SocketID) + 8 + len(p.ReqTypeName) + 8 + len(p.RepTypeName)
}

func (p *ServicePublisher) Pack() ([]byte, error) {
	if p.SocketID == "" || p.ReqTypeName == "" || p.RepTypeName == "" {
		return nil, fmt.Errorf("%w: service publisher %s", ErrIncomplete, p)
	}
	base, err := p.Publisher.Pack()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, p.MsgLength())
	buf = append(buf, base...)
	buf = appendString64(buf, p.SocketID)
	buf = appendString64(buf, p.ReqTypeName)
	buf = appendString64(buf, p.RepTypeName)
	return buf, nil
}

func (p *ServicePublisher) Unpack(buf []byte) (int, error) {
	off, err := p.Publisher.Unpack(buf)
	if err != nil {
		return 0, err
	}
	p.SocketID, off, err = getString64(buf, off)
	if err != nil {
		return 0, err
	}
	p.ReqTypeName, off, err = getString64(buf, off)
	if err != nil {
		return 0, err
	}
	p.RepTypeName, off, err = getString64(buf, off)
	if err != nil {
		return 0, err
	}
	return off, nil
}

func (p *ServicePublisher) String() string {
	return fmt.Sprintf("%s socket=%q reqType=%q repType=%q",
		p.Publisher.String(), p.SocketID, p.ReqTypeName, p.RepTypeName)
}
