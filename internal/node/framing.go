package node

import "encoding/binary"

// Transport framing (spec §6): a single leading type byte distinguishes the
// three message kinds the Node exchanges on a nominated pair from STUN
// traffic and from each other. This is deliberately simpler than
// WireGuard's own four-message-type wire format (which also carries
// sender/receiver indices for O(1) demux across many peers sharing one
// socket): the Node demultiplexes by (local socket, remote socket) pair
// instead, so indices would be redundant bookkeeping here.
const (
	frameHandshakeInit byte = 1
	frameHandshakeResp byte = 2
	frameData          byte = 3
)

func buildHandshakeInitFrame(payload []byte) []byte {
	return append([]byte{frameHandshakeInit}, payload...)
}

func buildHandshakeRespFrame(payload []byte) []byte {
	return append([]byte{frameHandshakeResp}, payload...)
}

func buildDataFrame(counter uint64, ciphertext []byte) []byte {
	buf := make([]byte, 1+8+len(ciphertext))
	buf[0] = frameData
	binary.BigEndian.PutUint64(buf[1:9], counter)
	copy(buf[9:], ciphertext)
	return buf
}

func parseDataFrame(b []byte) (counter uint64, ciphertext []byte, ok bool) {
	if len(b) < 9 || b[0] != frameData {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(b[1:9]), b[9:], true
}

func frameKind(b []byte) (byte, []byte, bool) {
	if len(b) < 1 {
		return 0, nil, false
	}
	switch b[0] {
	case frameHandshakeInit, frameHandshakeResp, frameData:
		return b[0], b[1:], true
	default:
		return 0, nil, false
	}
}
