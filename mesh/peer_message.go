// Peer cache message: the fixed 192-byte wire layout, plus the small
// enums it carries. Grounded on munonun-Web4's envelope.go field-order
// discipline (fixed offsets, explicit sizes) adapted to this protocol's
// own layout rather than Web4's own envelope shape.

package mesh

import (
	"encoding/binary"
	"fmt"
)

// MessageKind tags what a 192-byte peer message is.
type MessageKind uint8

const (
	KindPing MessageKind = iota + 1
	KindRequest
	KindPong
	KindResponseNone
	KindResponseOverloaded
	KindResponsePartial
	KindResponseFull
	KindRequestBearer // bearer frame kind for peer-to-peer HTTP requests
	KindDirectBearer  // bearer frame kind for "direct mode" proxying
)

func (k MessageKind) valid() bool {
	return k >= KindPing && k <= KindDirectBearer
}

// HardwareKind classifies the network interface a peer advertises, used
// by the interface selection filter.
type HardwareKind uint8

const (
	HardwareEthernet HardwareKind = iota
	HardwareWiFi
	HardwareLoopback
	HardwareTunnel
	HardwareOther
)

func (h HardwareKind) valid() bool { return h <= HardwareOther }

// HashAlgo tags the digest algorithm used for a cached file's identity.
type HashAlgo uint8

const (
	HashNone HashAlgo = iota
	HashSHA256
	HashSHA1
	HashMD5
	HashBlake2b256
)

func (h HashAlgo) valid() bool { return h <= HashBlake2b256 }

// digestLen returns the exact digest length for algo, used to trim the
// fixed 64-byte wire field back down to its real size on decode.
func (h HashAlgo) digestLen() int {
	switch h {
	case HashSHA256, HashBlake2b256:
		return 32
	case HashSHA1:
		return 20
	case HashMD5:
		return 16
	default:
		return 0
	}
}

// maxDigestLen is the up-to-64-byte digest field ceiling.
const maxDigestLen = 64

// MessageSize is the fixed, platform-independent wire size.
const MessageSize = 192

const (
	offKind       = 0
	offSeq        = 1
	offUUID       = 5
	offOSDesc     = 21
	offSenderIPv4 = 25
	offDestIPv4   = 29
	offNetmask    = 33
	offBroadcast  = 37
	offLinkSpeed  = 41
	offHWKind     = 45
	offMinEpoch   = 46
	offConnCount  = 50
	offHashAlgo   = 52
	offHashDigest = 53
	offFileSize   = offHashDigest + maxDigestLen // 117
	offRangeStart = offFileSize + 8              // 125
	offRangeEnd   = offRangeStart + 8            // 133
	offOpaque     = offRangeEnd + 8              // 141
	offPadVersion = offOpaque + 8                // 149
	offPadding    = offPadVersion + 1            // 150
	paddingLen    = MessageSize - offPadding     // 42
)

// HashRecord is the content-hash field embedded in a Message: an
// algorithm tag plus up to 64 bytes of digest.
type HashRecord struct {
	Algo   HashAlgo
	Digest []byte // length <= maxDigestLen
}

// Message is the decoded form of the fixed 192-byte peer cache message.
type Message struct {
	Kind               MessageKind
	Seq                uint32
	SenderUUID         [16]byte
	OSDescriptor       uint32
	SenderIPv4         uint32
	DestIPv4           uint32 // 0 means broadcast
	Netmask            uint32
	BroadcastAddr      uint32
	LinkSpeedMbps      uint32
	Hardware           HardwareKind
	MinEpochTimestamp  uint32
	CurrentConnections uint16
	Hash               HashRecord
	FileSize           uint64
	RangeStart         uint64
	RangeEnd           uint64 // inclusive
	Opaque             uint64
	PadVersion         uint8
}

// Encode serializes m into its fixed 192-byte plaintext form. Padding
// bytes must be supplied by the caller (random, re-rolled per message);
// Encode does not generate them itself so that callers needing
// determinism (tests) can pass fixed bytes.
func (m *Message) Encode(padding []byte) ([]byte, error) {
	if len(m.Hash.Digest) > maxDigestLen {
		return nil, fmt.Errorf("mesh: hash digest too long: %d > %d", len(m.Hash.Digest), maxDigestLen)
	}
	if len(padding) != paddingLen {
		return nil, fmt.Errorf("mesh: padding must be exactly %d bytes, got %d", paddingLen, len(padding))
	}
	buf := make([]byte, MessageSize)
	buf[offKind] = byte(m.Kind)
	binary.BigEndian.PutUint32(buf[offSeq:], m.Seq)
	copy(buf[offUUID:offUUID+16], m.SenderUUID[:])
	binary.BigEndian.PutUint32(buf[offOSDesc:], m.OSDescriptor)
	binary.BigEndian.PutUint32(buf[offSenderIPv4:], m.SenderIPv4)
	binary.BigEndian.PutUint32(buf[offDestIPv4:], m.DestIPv4)
	binary.BigEndian.PutUint32(buf[offNetmask:], m.Netmask)
	binary.BigEndian.PutUint32(buf[offBroadcast:], m.BroadcastAddr)
	binary.BigEndian.PutUint32(buf[offLinkSpeed:], m.LinkSpeedMbps)
	buf[offHWKind] = byte(m.Hardware)
	binary.BigEndian.PutUint32(buf[offMinEpoch:], m.MinEpochTimestamp)
	binary.BigEndian.PutUint16(buf[offConnCount:], m.CurrentConnections)
	buf[offHashAlgo] = byte(m.Hash.Algo)
	copy(buf[offHashDigest:offHashDigest+maxDigestLen], m.Hash.Digest)
	binary.BigEndian.PutUint64(buf[offFileSize:], m.FileSize)
	binary.BigEndian.PutUint64(buf[offRangeStart:], m.RangeStart)
	binary.BigEndian.PutUint64(buf[offRangeEnd:], m.RangeEnd)
	binary.BigEndian.PutUint64(buf[offOpaque:], m.Opaque)
	buf[offPadVersion] = m.PadVersion
	copy(buf[offPadding:], padding)
	return buf, nil
}

// DecodeMessage parses a fixed 192-byte plaintext into a Message, without
// validating enum ranges or the sequence window — that is DecodeFrame's
// job, since those checks need the crypt core's state.
func DecodeMessage(buf []byte) (*Message, error) {
	if len(buf) != MessageSize {
		return nil, fmt.Errorf("mesh: message must be exactly %d bytes, got %d", MessageSize, len(buf))
	}
	m := &Message{
		Kind:               MessageKind(buf[offKind]),
		Seq:                binary.BigEndian.Uint32(buf[offSeq:]),
		OSDescriptor:       binary.BigEndian.Uint32(buf[offOSDesc:]),
		SenderIPv4:         binary.BigEndian.Uint32(buf[offSenderIPv4:]),
		DestIPv4:           binary.BigEndian.Uint32(buf[offDestIPv4:]),
		Netmask:            binary.BigEndian.Uint32(buf[offNetmask:]),
		BroadcastAddr:      binary.BigEndian.Uint32(buf[offBroadcast:]),
		LinkSpeedMbps:      binary.BigEndian.Uint32(buf[offLinkSpeed:]),
		Hardware:           HardwareKind(buf[offHWKind]),
		MinEpochTimestamp:  binary.BigEndian.Uint32(buf[offMinEpoch:]),
		CurrentConnections: binary.BigEndian.Uint16(buf[offConnCount:]),
		Hash:               hashRecordFromWire(buf[offHashAlgo], buf[offHashDigest:offHashDigest+maxDigestLen]),
		FileSize:           binary.BigEndian.Uint64(buf[offFileSize:]),
		RangeStart:         binary.BigEndian.Uint64(buf[offRangeStart:]),
		RangeEnd:           binary.BigEndian.Uint64(buf[offRangeEnd:]),
		Opaque:             binary.BigEndian.Uint64(buf[offOpaque:]),
		PadVersion:         buf[offPadVersion],
	}
	copy(m.SenderUUID[:], buf[offUUID:offUUID+16])
	return m, nil
}

// hashRecordFromWire trims the fixed 64-byte digest field down to algo's
// real digest length; an unrecognized algo keeps the full field since its
// length isn't known.
func hashRecordFromWire(algoByte byte, field []byte) HashRecord {
	algo := HashAlgo(algoByte)
	n := algo.digestLen()
	if n == 0 || n > len(field) {
		return HashRecord{Algo: algo, Digest: append([]byte(nil), field...)}
	}
	return HashRecord{Algo: algo, Digest: append([]byte(nil), field[:n]...)}
}

// validFields reports whether kind/hardware/hash-algo all fall within
// their enum ranges.
func (m *Message) validFields() error {
	if !m.Kind.valid() {
		return ErrFrameBadKind
	}
	if !m.Hardware.valid() {
		return ErrFrameBadHW
	}
	if !m.Hash.Algo.valid() {
		return ErrFrameBadAlgo
	}
	return nil
}
