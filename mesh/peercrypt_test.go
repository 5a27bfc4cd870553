package mesh

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePingMessage() *Message {
	m := &Message{
		Kind:          KindPing,
		SenderIPv4:    0xc0a80001,
		DestIPv4:      0,
		Netmask:       0xffffff00,
		BroadcastAddr: 0xc0a800ff,
		LinkSpeedMbps: 1000,
		Hardware:      HardwareEthernet,
	}
	return m
}

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	msg := samplePingMessage()
	msg.Seq = pc.NextSeq()

	wire, err := pc.EncodeFrame(msg)
	require.NoError(t, err)

	got, err := pc.DecodeFrame(wire)
	require.NoError(t, err)
	assert.Equal(t, msg.SenderIPv4, got.SenderIPv4)
	assert.Equal(t, msg.Kind, got.Kind)
	assert.Equal(t, msg.Seq, got.Seq)
}

func TestDecodeFrameRejectsWrongKey(t *testing.T) {
	pc1, err := NewPeerCrypt([]byte("secret-one"))
	require.NoError(t, err)
	pc2, err := NewPeerCrypt([]byte("secret-two"))
	require.NoError(t, err)

	msg := samplePingMessage()
	msg.Seq = pc1.NextSeq()
	wire, err := pc1.EncodeFrame(msg)
	require.NoError(t, err)

	_, err = pc2.DecodeFrame(wire)
	assert.Error(t, err, "a frame encoded under a different shared secret must not decode")
}

func TestDecodeFrameRejectsTamperedCiphertext(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	msg := samplePingMessage()
	msg.Seq = pc.NextSeq()
	wire, err := pc.EncodeFrame(msg)
	require.NoError(t, err)

	wire[ivSize] ^= 0xff // flip a ciphertext byte, past the IV

	_, err = pc.DecodeFrame(wire)
	assert.True(t, err == ErrFrameBadCRC || err == ErrFrameBadAEAD, "tampering must be caught by the CRC pre-filter or AEAD open")
}

func TestDecodeFrameRejectsWrongLength(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = pc.DecodeFrame([]byte("too short"))
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestSequenceWindowRejectsOutOfRangeResponse(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	msg := samplePingMessage()
	msg.Kind = KindPong
	msg.Seq = pc.startupLow - 1 // below the window's low-water mark

	wire, err := pc.EncodeFrame(msg)
	require.NoError(t, err)

	_, err = pc.DecodeFrame(wire)
	assert.ErrorIs(t, err, ErrFrameBadSeq)
}

func TestSequenceWindowAllowsInRangeResponse(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	msg := samplePingMessage()
	msg.Kind = KindPong
	msg.Seq = pc.NextSeq()

	wire, err := pc.EncodeFrame(msg)
	require.NoError(t, err)

	_, err = pc.DecodeFrame(wire)
	assert.NoError(t, err)
}

func TestSequenceWindowDoesNotApplyToNonResponseKinds(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	msg := samplePingMessage()
	msg.Kind = KindPing
	msg.Seq = 0 // well outside [startupLow, currentOutgoing], but Ping isn't checked

	wire, err := pc.EncodeFrame(msg)
	require.NoError(t, err)

	_, err = pc.DecodeFrame(wire)
	assert.NoError(t, err)
}

func TestNextSeqIsMonotonic(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	prev := pc.NextSeq()
	for i := 0; i < 100; i++ {
		next := pc.NextSeq()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestEncodeBearerDecodeBearerRoundTrip(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	msg := samplePingMessage()
	msg.Kind = KindRequestBearer
	msg.Seq = pc.NextSeq()

	token, err := pc.EncodeBearer(msg)
	require.NoError(t, err)
	assert.False(t, strings.ContainsAny(token, "+/="), "bearer tokens must be base64url without padding")

	got, err := pc.DecodeBearer(token, KindRequestBearer)
	require.NoError(t, err)
	assert.Equal(t, msg.SenderIPv4, got.SenderIPv4)
}

func TestDecodeBearerRejectsWrongExpectedKind(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	msg := samplePingMessage()
	msg.Kind = KindRequestBearer
	msg.Seq = pc.NextSeq()

	token, err := pc.EncodeBearer(msg)
	require.NoError(t, err)

	_, err = pc.DecodeBearer(token, KindDirectBearer)
	assert.ErrorIs(t, err, ErrBearerBadKind)
}

func TestDecodeBearerRejectsBadBase64(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = pc.DecodeBearer("not!valid!base64url", KindRequestBearer)
	assert.ErrorIs(t, err, ErrBearerBadB64)
}

func TestEncodeDirectBearerDecodeDirectBearerRoundTrip(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	url := "http://origin.example/file.bin"
	msg := &Message{Kind: KindDirectBearer, Seq: pc.NextSeq(), Opaque: Crc63c(url)}

	token, err := pc.EncodeDirectBearer(msg, url)
	require.NoError(t, err)

	got, err := pc.DecodeDirectBearer(token, url)
	require.NoError(t, err)
	assert.Equal(t, msg.Opaque, got.Opaque)
}

func TestDecodeDirectBearerRejectsWrongURL(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	url := "http://origin.example/a.bin"
	msg := &Message{Kind: KindDirectBearer, Seq: pc.NextSeq(), Opaque: Crc63c(url)}

	token, err := pc.EncodeDirectBearer(msg, url)
	require.NoError(t, err)

	_, err = pc.DecodeDirectBearer(token, "http://origin.example/b.bin")
	assert.Error(t, err, "a direct-mode bearer sealed for one URL's sub-key must not decode under another's")
}

func TestEncodeDirectBearerRejectsNonDirectKind(t *testing.T) {
	pc, err := NewPeerCrypt([]byte("shared-secret"))
	require.NoError(t, err)

	msg := &Message{Kind: KindRequestBearer, Seq: pc.NextSeq()}
	_, err = pc.EncodeDirectBearer(msg, "http://origin.example/file.bin")
	assert.ErrorIs(t, err, ErrBearerBadKind)
}

func TestDeriveDirectKeyIsDeterministicAndURLSpecific(t *testing.T) {
	mainKey := []byte("0123456789abcdef")

	a1, err := deriveDirectKey(mainKey, "http://example.com/a")
	require.NoError(t, err)
	a2, err := deriveDirectKey(mainKey, "http://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	b, err := deriveDirectKey(mainKey, "http://example.com/b")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b)
}

func TestCrc63cIsDeterministicAndTopBitClear(t *testing.T) {
	a := Crc63c("http://example.com/file.bin")
	b := Crc63c("http://example.com/file.bin")
	assert.Equal(t, a, b)
	assert.Equal(t, uint64(0), a&0x8000000000000000)

	c := Crc63c("http://example.com/other.bin")
	assert.NotEqual(t, a, c)
}

func TestNewPeerCryptRejectsEmptySecret(t *testing.T) {
	_, err := NewPeerCrypt(nil)
	assert.Error(t, err)
}
