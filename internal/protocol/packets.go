// Package protocol implements the binary packet codec shared by the master,
// cluster and client roles. All values are little-endian. TCP frames carry a
// 4-byte length prefix, UDP datagrams carry a 4-byte connection id prefix,
// and every payload starts with an int32 packet id.
package protocol

// ServerPacket identifies packets sent from a server to its peers.
type ServerPacket int32

const (
	SrvWelcome           ServerPacket = 1 // string message, int32 connection id
	SrvMessage           ServerPacket = 2 // string message
	SrvInitializeLogin   ServerPacket = 3 // string username, int32 connection id
	SrvInitializeCluster ServerPacket = 4 // string cluster name
	SrvPassphrase        ServerPacket = 5 // string key name, string cyphertext, string iv
	SrvUDPReady          ServerPacket = 6
	SrvClusterServerList ServerPacket = 7 // int32 count, {string name, string ip, uint16 port}
	SrvUpdatePosition    ServerPacket = 8 // int32 connection id, float32 x, y, z
)

// ClientPacket identifies packets sent from a peer to a server.
type ClientPacket int32

const (
	CliValidateLogin         ClientPacket = 1 // string username
	CliValidateCluster       ClientPacket = 2 // string key name
	CliAnswerPassphrase      ClientPacket = 3 // string answer, string name, string ip, uint16 port
	CliStartUDP              ClientPacket = 4
	CliRequestClusterServers ClientPacket = 5
	CliMoveTo                ClientPacket = 6 // float32 x, y, z
	CliClusterLoad           ClientPacket = 7 // int32 connections
)

var serverPacketNames = map[ServerPacket]string{
	SrvWelcome:           "welcome",
	SrvMessage:           "message",
	SrvInitializeLogin:   "initializeLogin",
	SrvInitializeCluster: "initializeCluster",
	SrvPassphrase:        "passphrase",
	SrvUDPReady:          "udpReady",
	SrvClusterServerList: "clusterServerList",
	SrvUpdatePosition:    "updatePosition",
}

var clientPacketNames = map[ClientPacket]string{
	CliValidateLogin:         "validateLogin",
	CliValidateCluster:       "validateCluster",
	CliAnswerPassphrase:      "answerPassphrase",
	CliStartUDP:              "startUdp",
	CliRequestClusterServers: "requestClusterServers",
	CliMoveTo:                "moveTo",
	CliClusterLoad:           "clusterLoad",
}

// String returns the packet name used in logs.
func (p ServerPacket) String() string {
	if s, ok := serverPacketNames[p]; ok {
		return s
	}
	return "unknown"
}

// String returns the packet name used in logs.
func (p ClientPacket) String() string {
	if s, ok := clientPacketNames[p]; ok {
		return s
	}
	return "unknown"
}

// MaxFrameSize is the largest accepted TCP frame body.
const MaxFrameSize = 1 << 20

// LengthPrefixSize is the size of the TCP frame length prefix in bytes.
const LengthPrefixSize = 4

// ConnectionIDSize is the size of the UDP connection id prefix in bytes.
const ConnectionIDSize = 4

// ReadBufferSize is the per-connection socket read buffer.
const ReadBufferSize = 4096

// Default ports of the two server roles.
const (
	DefaultMasterPort  = 6256
	DefaultClusterPort = 6257
)
