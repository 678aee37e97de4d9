package network

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustenet/sustenet/internal/dispatch"
	"github.com/sustenet/sustenet/internal/protocol"
)

const (
	testEcho int32 = 100
	testPing int32 = 101
)

type harness struct {
	reg          *Registry
	disp         *dispatch.Dispatcher
	connected    chan int
	disconnected chan int
	bound        chan int
	received     chan string
}

func startRegistry(t *testing.T, maxConns int) *harness {
	t.Helper()
	h := &harness{
		disp:         dispatch.New(time.Millisecond),
		connected:    make(chan int, 16),
		disconnected: make(chan int, 16),
		bound:        make(chan int, 16),
		received:     make(chan string, 16),
	}

	table := NewHandlerTable(map[int32]Handler{
		testEcho: func(from int, p *protocol.Packet) error {
			s, err := p.ReadString()
			if err != nil {
				return err
			}
			h.received <- strconv.Itoa(from) + ":" + s
			return nil
		},
		testPing: func(from int, p *protocol.Packet) error {
			h.received <- strconv.Itoa(from) + ":ping"
			return nil
		},
	})

	h.reg = NewRegistry(Config{
		Name:           "test_registry",
		MaxConnections: maxConns,
		Handlers:       table,
		Dispatcher:     h.disp,
		Hooks: Hooks{
			OnConnect: func(id int) {
				h.reg.SendTCP(id, protocol.BuildWelcome("hi", id))
				h.connected <- id
			},
			OnDisconnect: func(id int) { h.disconnected <- id },
			OnUDPBound:   func(id int) { h.bound <- id },
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go h.disp.Run(ctx)
	require.NoError(t, h.reg.Start(ctx))
	t.Cleanup(func() {
		cancel()
		h.reg.Wait()
	})
	return h
}

func (h *harness) dial(t *testing.T) (net.Conn, int) {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(h.reg.Port())))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := readFrame(t, conn)
	defer p.Release()
	pid, err := p.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(protocol.SrvWelcome), pid)
	_, err = p.ReadString()
	require.NoError(t, err)
	id, err := p.ReadInt32()
	require.NoError(t, err)

	wait(t, h.connected)
	return conn, int(id)
}

// onDispatcher runs fn on the dispatcher goroutine and waits for it.
func (h *harness) onDispatcher(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	h.disp.Enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not run action")
	}
}

func readFrame(t *testing.T, conn net.Conn) *protocol.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hdr [4]byte
	_, err := io.ReadFull(conn, hdr[:])
	require.NoError(t, err)
	body := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	return protocol.NewPacketFrom(body)
}

func writeFrame(t *testing.T, conn net.Conn, p *protocol.Packet) {
	t.Helper()
	defer p.Release()
	p.PrependLength()
	_, err := conn.Write(p.Bytes())
	require.NoError(t, err)
}

func wait[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestRegistryRoutesFrames(t *testing.T) {
	h := startRegistry(t, 0)
	conn, id := h.dial(t)
	assert.Equal(t, 1, id)

	writeFrame(t, conn, protocol.NewPacketWithID(testEcho).WriteString("hello"))
	assert.Equal(t, "1:hello", wait(t, h.received))

	// Unknown ids are dropped without closing the connection.
	writeFrame(t, conn, protocol.NewPacketWithID(999))
	writeFrame(t, conn, protocol.NewPacketWithID(testPing))
	assert.Equal(t, "1:ping", wait(t, h.received))
}

func TestRegistryFramesSplitAcrossWrites(t *testing.T) {
	h := startRegistry(t, 0)
	conn, _ := h.dial(t)

	p := protocol.NewPacketWithID(testEcho).WriteString("slow").PrependLength()
	data := append([]byte(nil), p.Bytes()...)
	p.Release()

	for i := range data {
		_, err := conn.Write(data[i : i+1])
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, "1:slow", wait(t, h.received))
}

func TestRegistryIDReuse(t *testing.T) {
	h := startRegistry(t, 0)
	a, idA := h.dial(t)
	_, idB := h.dial(t)
	assert.Equal(t, 1, idA)
	assert.Equal(t, 2, idB)

	a.Close()
	assert.Equal(t, idA, wait(t, h.disconnected))
	assert.Eventually(t, func() bool { return h.reg.Count() == 1 }, time.Second, 5*time.Millisecond)

	_, idC := h.dial(t)
	assert.Equal(t, idA, idC)

	_, idD := h.dial(t)
	assert.Equal(t, 3, idD)
}

func TestRegistryCapacity(t *testing.T) {
	h := startRegistry(t, 1)
	_, id := h.dial(t)
	assert.Equal(t, 1, id)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(h.reg.Port())))
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 1, h.reg.Count())
}

func TestRegistryDisconnectIsIdempotent(t *testing.T) {
	h := startRegistry(t, 0)
	_, id := h.dial(t)

	var first, second bool
	h.onDispatcher(t, func() {
		first = h.reg.Disconnect(id)
		second = h.reg.Disconnect(id)
	})
	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, id, wait(t, h.disconnected))

	select {
	case extra := <-h.disconnected:
		t.Fatalf("unexpected second disconnect for %d", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryUDPBindingAndSpoofing(t *testing.T) {
	h := startRegistry(t, 0)
	_, id := h.dial(t)

	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.reg.Port()}
	owner, err := net.DialUDP("udp", nil, server)
	require.NoError(t, err)
	defer owner.Close()
	spoofer, err := net.DialUDP("udp", nil, server)
	require.NoError(t, err)
	defer spoofer.Close()

	hello := protocol.NewPacket().PrependConnectionID(id)
	_, err = owner.Write(hello.Bytes())
	hello.Release()
	require.NoError(t, err)
	assert.Equal(t, id, wait(t, h.bound))
	assert.True(t, h.reg.UDPBound(id))

	spoof := protocol.NewPacketWithID(testEcho).WriteString("spoofed").PrependConnectionID(id)
	_, err = spoofer.Write(spoof.Bytes())
	spoof.Release()
	require.NoError(t, err)

	genuine := protocol.NewPacketWithID(testEcho).WriteString("real").PrependConnectionID(id)
	_, err = owner.Write(genuine.Bytes())
	genuine.Release()
	require.NoError(t, err)

	assert.Equal(t, strconv.Itoa(id)+":real", wait(t, h.received))
	select {
	case got := <-h.received:
		t.Fatalf("unexpected delivery %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistrySendUDPRequiresBinding(t *testing.T) {
	h := startRegistry(t, 0)
	_, id := h.dial(t)

	err := h.reg.SendUDP(id, protocol.BuildUDPReady())
	assert.ErrorIs(t, err, ErrUDPNotBound)

	err = h.reg.SendTCP(id+100, protocol.BuildUDPReady())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegistrySnapshotAndIdentity(t *testing.T) {
	h := startRegistry(t, 0)
	_, id := h.dial(t)

	require.NoError(t, h.reg.SetIdentity(id, "alice", RoleUser))
	name, role, ok := h.reg.Identity(id)
	require.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.Equal(t, RoleUser, role)
	assert.Equal(t, 1, h.reg.CountRole(RoleUser))

	snap := h.reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, id, snap[0].ID)
	assert.Equal(t, "alice", snap[0].Name)
}

func TestHandlerTableIsCopied(t *testing.T) {
	m := map[int32]Handler{1: func(int, *protocol.Packet) error { return nil }}
	table := NewHandlerTable(m)
	delete(m, 1)

	_, ok := table.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, 1, table.Len())
}

func TestRegistryBroadcasts(t *testing.T) {
	h := startRegistry(t, 0)
	first, firstID := h.dial(t)
	second, secondID := h.dial(t)

	h.reg.SendTCPToAll(protocol.BuildMessage("hello all"))
	for _, conn := range []net.Conn{first, second} {
		p := readFrame(t, conn)
		pid, err := p.ReadInt32()
		require.NoError(t, err)
		assert.Equal(t, int32(protocol.SrvMessage), pid)
		msg, err := p.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "hello all", msg)
		p.Release()
	}

	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.reg.Port()}
	bind := func(id int) *net.UDPConn {
		c, err := net.DialUDP("udp", nil, server)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		hello := protocol.NewPacket().PrependConnectionID(id)
		_, err = c.Write(hello.Bytes())
		hello.Release()
		require.NoError(t, err)
		assert.Equal(t, id, wait(t, h.bound))
		return c
	}
	firstUDP := bind(firstID)
	secondUDP := bind(secondID)

	h.reg.SendUDPToAll(firstID, protocol.BuildUDPReady())

	buf := make([]byte, 64)
	secondUDP.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := secondUDP.Read(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 8)
	assert.Equal(t, uint32(secondID), binary.LittleEndian.Uint32(buf[:4]))
	assert.Equal(t, uint32(protocol.SrvUDPReady), binary.LittleEndian.Uint32(buf[4:8]))

	firstUDP.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = firstUDP.Read(buf)
	assert.Error(t, err)
}

func TestRegistrySlowReaderDoesNotStallDispatcher(t *testing.T) {
	h := startRegistry(t, 0)
	_, slowID := h.dial(t)
	fast, fastID := h.dial(t)

	blob := make([]byte, 512<<10)
	h.onDispatcher(t, func() {
		for i := 0; i < 64; i++ {
			h.reg.SendTCP(slowID, protocol.NewPacketWithID(testEcho).WriteBytes(blob))
		}
	})

	writeFrame(t, fast, protocol.NewPacketWithID(testPing))
	assert.Equal(t, strconv.Itoa(fastID)+":ping", wait(t, h.received))

	// The peer that never reads overflows its queue and is dropped alone.
	assert.Equal(t, slowID, wait(t, h.disconnected))
	assert.Eventually(t, func() bool { return h.reg.Count() == 1 }, time.Second, 5*time.Millisecond)
	_, _, ok := h.reg.Identity(fastID)
	assert.True(t, ok)
}

func TestRegistryFlushesQueuedFramesBeforeClose(t *testing.T) {
	h := startRegistry(t, 0)
	conn, id := h.dial(t)

	h.onDispatcher(t, func() {
		require.NoError(t, h.reg.SendTCP(id, protocol.BuildMessage("goodbye")))
		h.reg.Disconnect(id)
	})

	p := readFrame(t, conn)
	pid, err := p.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(protocol.SrvMessage), pid)
	msg, err := p.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "goodbye", msg)
	p.Release()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	err = h.reg.SendTCP(id, protocol.BuildMessage("late"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegistryStaleEndpointCallbacksIgnored(t *testing.T) {
	h := startRegistry(t, 0)
	_, idA := h.dial(t)
	stale := h.reg.endpoint(idA)
	require.NotNil(t, stale)

	h.onDispatcher(t, func() { h.reg.Disconnect(idA) })
	assert.Equal(t, idA, wait(t, h.disconnected))

	connB, idB := h.dial(t)
	require.Equal(t, idA, idB)
	current := h.reg.endpoint(idB)
	require.NotSame(t, stale, current)

	ping := protocol.NewPacketWithID(testPing)
	frame := append([]byte(nil), ping.Bytes()...)
	ping.Release()

	h.onDispatcher(t, func() {
		h.reg.disconnectEndpoint(stale)
		h.reg.enqueueFailure(stale, io.ErrUnexpectedEOF)
		h.reg.enqueueFrame(stale, frame)
	})
	// Runs after the actions queued above.
	h.onDispatcher(t, func() {})

	assert.Same(t, current, h.reg.endpoint(idB))
	assert.Equal(t, 1, h.reg.Count())
	select {
	case id := <-h.disconnected:
		t.Fatalf("stale callback tore down connection %d", id)
	case got := <-h.received:
		t.Fatalf("stale frame was routed: %q", got)
	case <-time.After(50 * time.Millisecond):
	}

	writeFrame(t, connB, protocol.NewPacketWithID(testPing))
	assert.Equal(t, strconv.Itoa(idB)+":ping", wait(t, h.received))
}
