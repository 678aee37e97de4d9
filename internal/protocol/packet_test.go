package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	p := NewPacket()
	defer p.Release()

	p.WriteUint8(7).
		WriteBool(true).
		WriteInt16(-12).
		WriteUint16(65000).
		WriteInt32(-123456).
		WriteUint32(4000000000).
		WriteInt64(-9876543210).
		WriteFloat32(3.5).
		WriteString("hello").
		WriteString("")

	r := NewPacketFrom(p.Bytes())
	defer r.Release()

	u8, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)

	b, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)

	i16, err := r.ReadInt16()
	require.NoError(t, err)
	assert.Equal(t, int16(-12), i16)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(65000), u16)

	i32, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-123456), i32)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(4000000000), u32)

	i64, err := r.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-9876543210), i64)

	f, err := r.ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), f)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	empty, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "", empty)

	assert.Equal(t, 0, r.UnreadLen())
}

func TestPacketUnderrunLeavesCursor(t *testing.T) {
	p := NewPacketFrom([]byte{1, 2, 3})
	defer p.Release()

	_, err := p.ReadInt32()
	require.ErrorIs(t, err, ErrBufferUnderrun)
	assert.Equal(t, 3, p.UnreadLen())

	v, err := p.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), v)
}

func TestPacketStringUnderrunRestoresCursor(t *testing.T) {
	p := NewPacket()
	defer p.Release()
	p.WriteInt32(10).WriteBytes([]byte("abc"))

	_, err := p.ReadString()
	require.ErrorIs(t, err, ErrBufferUnderrun)
	assert.Equal(t, 7, p.UnreadLen())
}

func TestPacketNegativeStringLength(t *testing.T) {
	p := NewPacket()
	defer p.Release()
	p.WriteInt32(-1)

	_, err := p.ReadString()
	require.ErrorIs(t, err, ErrInvalidLength)
	assert.Equal(t, 4, p.UnreadLen())
}

func TestPacketPrepend(t *testing.T) {
	t.Run("length", func(t *testing.T) {
		p := NewPacketWithID(3).WriteString("ab")
		defer p.Release()
		body := p.Len()

		p.PrependLength()
		require.Equal(t, body+4, p.Len())
		assert.Equal(t, uint32(body), binary.LittleEndian.Uint32(p.Bytes()))
		assert.Equal(t, int32(3), int32(binary.LittleEndian.Uint32(p.Bytes()[4:])))
	})

	t.Run("connection id", func(t *testing.T) {
		p := NewPacketWithID(8)
		defer p.Release()

		p.PrependConnectionID(42)
		id, err := p.ReadUint32()
		require.NoError(t, err)
		assert.Equal(t, uint32(42), id)
		pid, err := p.ReadInt32()
		require.NoError(t, err)
		assert.Equal(t, int32(8), pid)
	})
}

func TestPacketReset(t *testing.T) {
	p := NewPacket()
	defer p.Release()
	p.WriteInt32(99).WriteInt32(100)

	_, err := p.ReadInt32()
	require.NoError(t, err)
	p.Reset(false)
	v, err := p.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(99), v)

	p.Reset(true)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, p.UnreadLen())
}

func TestNewPacketFromCopies(t *testing.T) {
	src := []byte{1, 0, 0, 0}
	p := NewPacketFrom(src)
	defer p.Release()
	src[0] = 9

	v, err := p.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)
}

func TestClusterServerListRoundTrip(t *testing.T) {
	in := []ClusterInfo{
		{Name: "eu-1", IP: "10.0.0.1", Port: 6257},
		{Name: "us-1", IP: "10.0.0.2", Port: 7000},
	}
	p := BuildClusterServerList(in)
	defer p.Release()

	r := NewPacketFrom(p.Bytes())
	defer r.Release()
	id, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(SrvClusterServerList), id)

	out, err := ReadClusterServerList(r)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
