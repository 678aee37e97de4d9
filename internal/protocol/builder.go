package protocol

import "fmt"

// ClusterInfo describes one cluster advertised to end users.
type ClusterInfo struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// BuildWelcome tells a fresh connection its id.
func BuildWelcome(message string, id int) *Packet {
	return NewPacketWithID(int32(SrvWelcome)).
		WriteString(message).
		WriteInt32(int32(id))
}

// BuildMessage carries a human readable notice.
func BuildMessage(message string) *Packet {
	return NewPacketWithID(int32(SrvMessage)).WriteString(message)
}

// BuildInitializeLogin confirms a user login.
func BuildInitializeLogin(username string, id int) *Packet {
	return NewPacketWithID(int32(SrvInitializeLogin)).
		WriteString(username).
		WriteInt32(int32(id))
}

// BuildInitializeCluster confirms promotion to cluster.
func BuildInitializeCluster(name string) *Packet {
	return NewPacketWithID(int32(SrvInitializeCluster)).WriteString(name)
}

// BuildPassphrase carries an encrypted challenge.
func BuildPassphrase(keyName, cyphertext, iv string) *Packet {
	return NewPacketWithID(int32(SrvPassphrase)).
		WriteString(keyName).
		WriteString(cyphertext).
		WriteString(iv)
}

// BuildUDPReady tells a peer its UDP address is bound.
func BuildUDPReady() *Packet {
	return NewPacketWithID(int32(SrvUDPReady))
}

// BuildClusterServerList lists verified clusters.
func BuildClusterServerList(clusters []ClusterInfo) *Packet {
	p := NewPacketWithID(int32(SrvClusterServerList)).WriteInt32(int32(len(clusters)))
	for _, c := range clusters {
		p.WriteString(c.Name).WriteString(c.IP).WriteUint16(c.Port)
	}
	return p
}

// BuildUpdatePosition relays a peer position.
func BuildUpdatePosition(id int, x, y, z float32) *Packet {
	return NewPacketWithID(int32(SrvUpdatePosition)).
		WriteInt32(int32(id)).
		WriteFloat32(x).
		WriteFloat32(y).
		WriteFloat32(z)
}

// BuildValidateLogin requests a user login.
func BuildValidateLogin(username string) *Packet {
	return NewPacketWithID(int32(CliValidateLogin)).WriteString(username)
}

// BuildValidateCluster requests a cluster challenge for keyName.
func BuildValidateCluster(keyName string) *Packet {
	return NewPacketWithID(int32(CliValidateCluster)).WriteString(keyName)
}

// BuildAnswerPassphrase answers a challenge and advertises the cluster.
func BuildAnswerPassphrase(answer, name, ip string, port uint16) *Packet {
	return NewPacketWithID(int32(CliAnswerPassphrase)).
		WriteString(answer).
		WriteString(name).
		WriteString(ip).
		WriteUint16(port)
}

// BuildStartUDP asks the server to confirm the UDP binding.
func BuildStartUDP() *Packet {
	return NewPacketWithID(int32(CliStartUDP))
}

// BuildRequestClusterServers asks for the cluster list.
func BuildRequestClusterServers() *Packet {
	return NewPacketWithID(int32(CliRequestClusterServers))
}

// BuildMoveTo requests a move.
func BuildMoveTo(x, y, z float32) *Packet {
	return NewPacketWithID(int32(CliMoveTo)).
		WriteFloat32(x).
		WriteFloat32(y).
		WriteFloat32(z)
}

// BuildClusterLoad reports the number of users on a cluster.
func BuildClusterLoad(connections int) *Packet {
	return NewPacketWithID(int32(CliClusterLoad)).WriteInt32(int32(connections))
}

// ReadClusterServerList decodes the body of a clusterServerList packet.
func ReadClusterServerList(p *Packet) ([]ClusterInfo, error) {
	n, err := p.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster count: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("cluster count %d: %w", n, ErrInvalidLength)
	}
	out := make([]ClusterInfo, 0, n)
	for i := int32(0); i < n; i++ {
		var c ClusterInfo
		if c.Name, err = p.ReadString(); err != nil {
			return nil, fmt.Errorf("failed to read cluster %d name: %w", i, err)
		}
		if c.IP, err = p.ReadString(); err != nil {
			return nil, fmt.Errorf("failed to read cluster %d ip: %w", i, err)
		}
		if c.Port, err = p.ReadUint16(); err != nil {
			return nil, fmt.Errorf("failed to read cluster %d port: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ReadVector decodes three float32 values.
func ReadVector(p *Packet) (x, y, z float32, err error) {
	if x, err = p.ReadFloat32(); err != nil {
		return
	}
	if y, err = p.ReadFloat32(); err != nil {
		return
	}
	z, err = p.ReadFloat32()
	return
}
