package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrBufferUnderrun is returned when a read needs more bytes than remain.
	ErrBufferUnderrun = errors.New("buffer underrun")
	// ErrInvalidLength is returned when a string carries a negative length.
	ErrInvalidLength = errors.New("invalid length prefix")
)

// Packet is a growable little-endian byte buffer with a read cursor.
// The cursor always stays within [0, Len()]. A failed read leaves it untouched.
type Packet struct {
	buf []byte
	pos int
}

var packetPool = sync.Pool{
	New: func() any {
		return &Packet{buf: make([]byte, 0, 256)}
	},
}

// NewPacket returns an empty packet from the pool.
func NewPacket() *Packet {
	p := packetPool.Get().(*Packet)
	p.Reset(true)
	return p
}

// NewPacketWithID returns a packet whose first field is the packet id.
func NewPacketWithID(id int32) *Packet {
	return NewPacket().WriteInt32(id)
}

// NewPacketFrom returns a packet holding a copy of data, ready for reading.
func NewPacketFrom(data []byte) *Packet {
	p := NewPacket()
	p.buf = append(p.buf, data...)
	return p
}

// Release resets the packet and hands it back to the pool.
// The packet must not be used afterwards.
func (p *Packet) Release() {
	if p == nil {
		return
	}
	// Oversized buffers are dropped instead of pinned in the pool.
	if cap(p.buf) > MaxFrameSize {
		return
	}
	p.Reset(true)
	packetPool.Put(p)
}

// Reset clears the packet when full is true. Otherwise it rewinds the
// read cursor by one int32 so a length header can be read again.
func (p *Packet) Reset(full bool) {
	if full {
		p.buf = p.buf[:0]
		p.pos = 0
		return
	}
	p.pos -= 4
	if p.pos < 0 {
		p.pos = 0
	}
}

// Bytes returns the underlying bytes. The slice is only valid until the
// packet is modified or released.
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Len returns the total number of bytes in the packet.
func (p *Packet) Len() int {
	return len(p.buf)
}

// UnreadLen returns the number of bytes left after the cursor.
func (p *Packet) UnreadLen() int {
	return len(p.buf) - p.pos
}

// Remaining returns a copy of the unread bytes.
func (p *Packet) Remaining() []byte {
	out := make([]byte, p.UnreadLen())
	copy(out, p.buf[p.pos:])
	return out
}

// PrependLength inserts the current length as a uint32 at offset 0.
func (p *Packet) PrependLength() *Packet {
	return p.prependUint32(uint32(len(p.buf)))
}

// PrependConnectionID inserts a connection id as a uint32 at offset 0.
func (p *Packet) PrependConnectionID(id int) *Packet {
	return p.prependUint32(uint32(id))
}

func (p *Packet) prependUint32(v uint32) *Packet {
	p.buf = append(p.buf, 0, 0, 0, 0)
	copy(p.buf[4:], p.buf[:len(p.buf)-4])
	binary.LittleEndian.PutUint32(p.buf[:4], v)
	return p
}

// WriteUint8 appends a single byte.
func (p *Packet) WriteUint8(v uint8) *Packet {
	p.buf = append(p.buf, v)
	return p
}

// WriteBool appends a bool as one byte.
func (p *Packet) WriteBool(v bool) *Packet {
	if v {
		return p.WriteUint8(1)
	}
	return p.WriteUint8(0)
}

// WriteInt16 appends an int16 in little-endian order.
func (p *Packet) WriteInt16(v int16) *Packet {
	return p.WriteUint16(uint16(v))
}

// WriteUint16 appends a uint16 in little-endian order.
func (p *Packet) WriteUint16(v uint16) *Packet {
	p.buf = binary.LittleEndian.AppendUint16(p.buf, v)
	return p
}

// WriteInt32 appends an int32 in little-endian order.
func (p *Packet) WriteInt32(v int32) *Packet {
	return p.WriteUint32(uint32(v))
}

// WriteUint32 appends a uint32 in little-endian order.
func (p *Packet) WriteUint32(v uint32) *Packet {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
	return p
}

// WriteInt64 appends an int64 in little-endian order.
func (p *Packet) WriteInt64(v int64) *Packet {
	p.buf = binary.LittleEndian.AppendUint64(p.buf, uint64(v))
	return p
}

// WriteFloat32 appends an IEEE-754 float32 in little-endian order.
func (p *Packet) WriteFloat32(v float32) *Packet {
	return p.WriteUint32(math.Float32bits(v))
}

// WriteString appends a string as an int32 byte count followed by its bytes.
func (p *Packet) WriteString(s string) *Packet {
	p.WriteInt32(int32(len(s)))
	p.buf = append(p.buf, s...)
	return p
}

// WriteBytes appends raw bytes without a length prefix.
func (p *Packet) WriteBytes(data []byte) *Packet {
	p.buf = append(p.buf, data...)
	return p
}

func (p *Packet) take(n int) ([]byte, error) {
	if n < 0 || p.UnreadLen() < n {
		return nil, fmt.Errorf("need %d bytes, have %d: %w", n, p.UnreadLen(), ErrBufferUnderrun)
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

// ReadUint8 reads a single byte.
func (p *Packet) ReadUint8() (uint8, error) {
	b, err := p.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads a one-byte bool. Any non-zero value is true.
func (p *Packet) ReadBool() (bool, error) {
	v, err := p.ReadUint8()
	return v != 0, err
}

// ReadInt16 reads a little-endian int16.
func (p *Packet) ReadInt16() (int16, error) {
	v, err := p.ReadUint16()
	return int16(v), err
}

// ReadUint16 reads a little-endian uint16.
func (p *Packet) ReadUint16() (uint16, error) {
	b, err := p.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadInt32 reads a little-endian int32.
func (p *Packet) ReadInt32() (int32, error) {
	v, err := p.ReadUint32()
	return int32(v), err
}

// ReadUint32 reads a little-endian uint32.
func (p *Packet) ReadUint32() (uint32, error) {
	b, err := p.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt64 reads a little-endian int64.
func (p *Packet) ReadInt64() (int64, error) {
	b, err := p.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// ReadFloat32 reads a little-endian float32.
func (p *Packet) ReadFloat32() (float32, error) {
	v, err := p.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadString reads an int32-prefixed string. On any failure the cursor is
// restored to where it was before the call.
func (p *Packet) ReadString() (string, error) {
	start := p.pos
	n, err := p.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		p.pos = start
		return "", fmt.Errorf("string length %d: %w", n, ErrInvalidLength)
	}
	b, err := p.take(int(n))
	if err != nil {
		p.pos = start
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads n raw bytes and returns a copy.
func (p *Packet) ReadBytes(n int) ([]byte, error) {
	b, err := p.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}
