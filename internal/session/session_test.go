package session

import (
	"bytes"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
)

type sent struct {
	to        int
	transport string
	id        int32
	body      *protocol.Packet
}

type fakeConn struct {
	name  string
	role  network.Role
	bound bool
}

// fakeConns records sends instead of writing to sockets.
type fakeConns struct {
	conns        map[int]*fakeConn
	sent         []sent
	disconnected []int
	sendErr      error
}

func newFakeConns(ids ...int) *fakeConns {
	f := &fakeConns{conns: make(map[int]*fakeConn)}
	for _, id := range ids {
		f.conns[id] = &fakeConn{name: network.AnonymousName}
	}
	return f
}

func (f *fakeConns) record(to int, transport string, p *protocol.Packet) {
	defer p.Release()
	body := protocol.NewPacketFrom(p.Bytes())
	id, _ := body.ReadInt32()
	f.sent = append(f.sent, sent{to: to, transport: transport, id: id, body: body})
}

func (f *fakeConns) SendTCP(id int, p *protocol.Packet) error {
	if f.sendErr != nil {
		p.Release()
		return f.sendErr
	}
	if _, ok := f.conns[id]; !ok {
		p.Release()
		return network.ErrNotConnected
	}
	f.record(id, "tcp", p)
	return nil
}

func (f *fakeConns) SendUDP(id int, p *protocol.Packet) error {
	c, ok := f.conns[id]
	if !ok || !c.bound {
		p.Release()
		return network.ErrUDPNotBound
	}
	f.record(id, "udp", p)
	return nil
}

func (f *fakeConns) SendUDPToRole(role network.Role, p *protocol.Packet) {
	defer p.Release()
	for id, c := range f.conns {
		if c.role == role && c.bound {
			f.record(id, "udp", protocol.NewPacketFrom(p.Bytes()))
		}
	}
}

func (f *fakeConns) SetIdentity(id int, name string, role network.Role) error {
	c, ok := f.conns[id]
	if !ok {
		return network.ErrNotConnected
	}
	c.name, c.role = name, role
	return nil
}

func (f *fakeConns) Identity(id int) (string, network.Role, bool) {
	c, ok := f.conns[id]
	if !ok {
		return "", network.RoleAnonymous, false
	}
	return c.name, c.role, true
}

func (f *fakeConns) UDPBound(id int) bool {
	c, ok := f.conns[id]
	return ok && c.bound
}

func (f *fakeConns) Disconnect(id int) bool {
	if _, ok := f.conns[id]; !ok {
		return false
	}
	delete(f.conns, id)
	f.disconnected = append(f.disconnected, id)
	return true
}

func (f *fakeConns) sentTo(id int) []sent {
	var out []sent
	for _, s := range f.sent {
		if s.to == id {
			out = append(out, s)
		}
	}
	return out
}

func loginPacket(name string) *protocol.Packet {
	p := protocol.BuildValidateLogin(name)
	body := protocol.NewPacketFrom(p.Bytes())
	p.Release()
	body.ReadInt32()
	return body
}

func TestLogin(t *testing.T) {
	t.Run("accepts a three character name", func(t *testing.T) {
		conns := newFakeConns(1)
		login := NewLogin(conns, Emitter{Source: "test"})

		require.NoError(t, login.HandleValidateLogin(1, loginPacket("bob")))

		name, role, ok := conns.Identity(1)
		require.True(t, ok)
		assert.Equal(t, "bob", name)
		assert.Equal(t, network.RoleUser, role)

		out := conns.sentTo(1)
		require.Len(t, out, 1)
		assert.Equal(t, int32(protocol.SrvInitializeLogin), out[0].id)
		username, err := out[0].body.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "bob", username)
		id, err := out[0].body.ReadInt32()
		require.NoError(t, err)
		assert.Equal(t, int32(1), id)
	})

	t.Run("short name is told and dropped", func(t *testing.T) {
		conns := newFakeConns(2)
		login := NewLogin(conns, Emitter{Source: "test"})

		require.NoError(t, login.HandleValidateLogin(2, loginPacket("ab")))

		require.Len(t, conns.sent, 1)
		assert.Equal(t, int32(protocol.SrvMessage), conns.sent[0].id)
		msg, err := conns.sent[0].body.ReadString()
		require.NoError(t, err)
		assert.Equal(t, ShortUsernameMessage, msg)
		assert.Equal(t, []int{2}, conns.disconnected)
	})

	t.Run("clusters cannot log in", func(t *testing.T) {
		conns := newFakeConns(3)
		conns.conns[3].role = network.RoleCluster
		login := NewLogin(conns, Emitter{})

		assert.Error(t, login.HandleValidateLogin(3, loginPacket("someone")))
		assert.Empty(t, conns.sent)
	})

	t.Run("truncated packet", func(t *testing.T) {
		conns := newFakeConns(4)
		login := NewLogin(conns, Emitter{})
		assert.ErrorIs(t, login.HandleValidateLogin(4, protocol.NewPacket()), protocol.ErrBufferUnderrun)
	})
}

func TestUDPReadiness(t *testing.T) {
	conns := newFakeConns(1)
	udp := NewUDP(conns, Emitter{})

	require.NoError(t, udp.HandleStartUDP(1, protocol.NewPacket()))
	assert.Empty(t, conns.sent, "nothing is sent before the hello datagram")

	conns.conns[1].bound = true
	udp.OnBound(1)
	require.NoError(t, udp.HandleStartUDP(1, protocol.NewPacket()))

	require.Len(t, conns.sent, 2)
	for _, s := range conns.sent {
		assert.Equal(t, "udp", s.transport)
		assert.Equal(t, int32(protocol.SrvUDPReady), s.id)
	}
}

func movePacket(x, y, z float32) *protocol.Packet {
	p := protocol.BuildMoveTo(x, y, z)
	body := protocol.NewPacketFrom(p.Bytes())
	p.Release()
	body.ReadInt32()
	return body
}

func TestWorldMoveTo(t *testing.T) {
	setup := func() (*fakeConns, *World) {
		conns := newFakeConns(1, 2, 3)
		conns.conns[1].role = network.RoleUser
		conns.conns[1].bound = true
		conns.conns[2].role = network.RoleUser
		conns.conns[2].bound = true
		conns.conns[3].role = network.RoleCluster
		conns.conns[3].bound = true
		return conns, NewWorld(conns, "test")
	}

	t.Run("relays to bound users", func(t *testing.T) {
		conns, world := setup()
		require.NoError(t, world.HandleMoveTo(1, movePacket(1, -2, 5)))

		pos, ok := world.Position(1)
		require.True(t, ok)
		assert.Equal(t, Vector{X: 1, Y: -2, Z: 5}, pos)

		assert.Len(t, conns.sentTo(1), 1)
		assert.Len(t, conns.sentTo(2), 1)
		assert.Empty(t, conns.sentTo(3))

		update := conns.sentTo(2)[0]
		assert.Equal(t, int32(protocol.SrvUpdatePosition), update.id)
		who, err := update.body.ReadInt32()
		require.NoError(t, err)
		assert.Equal(t, int32(1), who)
		x, y, z, err := protocol.ReadVector(update.body)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, -2, 5}, []float32{x, y, z})
	})

	t.Run("out of bounds is dropped", func(t *testing.T) {
		for _, v := range []Vector{
			{X: 5.01},
			{Y: -6},
			{Z: float32(math.NaN())},
			{X: float32(math.Inf(1))},
		} {
			conns, world := setup()
			require.NoError(t, world.HandleMoveTo(1, movePacket(v.X, v.Y, v.Z)))
			assert.Empty(t, conns.sent)
			assert.Equal(t, 0, world.Len())
		}
	})

	t.Run("unbound sender gets a tcp copy", func(t *testing.T) {
		conns, world := setup()
		conns.conns[1].bound = false
		require.NoError(t, world.HandleMoveTo(1, movePacket(0, 0, 0)))

		self := conns.sentTo(1)
		require.Len(t, self, 1)
		assert.Equal(t, "tcp", self[0].transport)
		assert.Len(t, conns.sentTo(2), 1)
	})

	t.Run("anonymous cannot move", func(t *testing.T) {
		conns, world := setup()
		conns.conns[1].role = network.RoleAnonymous
		assert.ErrorIs(t, world.HandleMoveTo(1, movePacket(0, 0, 0)), ErrNotLoggedIn)
		assert.Empty(t, conns.sent)
	})

	t.Run("forget", func(t *testing.T) {
		_, world := setup()
		require.NoError(t, world.HandleMoveTo(2, movePacket(0, 1, 0)))
		world.Forget(2)
		_, ok := world.Position(2)
		assert.False(t, ok)
	})
}

func TestRejectLogsUndeliveredMessage(t *testing.T) {
	conns := newFakeConns(4)
	conns.sendErr = network.ErrSendQueueFull

	var buf bytes.Buffer
	Reject(conns, zerolog.New(&buf), 4, ShortUsernameMessage)

	assert.Equal(t, []int{4}, conns.disconnected)
	assert.Empty(t, conns.sent)
	assert.Contains(t, buf.String(), "rejection not delivered")
	assert.Contains(t, buf.String(), "send queue full")
}

func TestRejectSendsThenDisconnects(t *testing.T) {
	conns := newFakeConns(5)

	var buf bytes.Buffer
	Reject(conns, zerolog.New(&buf), 5, "bye")

	require.Len(t, conns.sentTo(5), 1)
	assert.Equal(t, int32(protocol.SrvMessage), conns.sentTo(5)[0].id)
	assert.Equal(t, []int{5}, conns.disconnected)
	assert.Empty(t, buf.String())
}
