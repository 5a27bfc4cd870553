package mesh

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestAuthEngineModeNoneAlwaysAuthorized(t *testing.T) {
	a := NewAuthEngine(AuthNone, "realm", 0)
	ctx := NewContext()
	res := a.CheckRequest(ctx, 1, "GET", "/")
	assert.True(t, res.Authorized)
}

func TestBasicAuthAcceptsCorrectCredentials(t *testing.T) {
	store := NewBcryptStore()
	require.NoError(t, store.SetPassword("alice", "wonderland"))
	a := NewAuthEngine(AuthBasic, "realm", 0)
	a.Verify = store

	ctx := NewContext()
	ctx.RemoteIP = "10.0.0.1"
	ctx.Header.Set("Authorization", basicHeader("alice", "wonderland"))

	res := a.CheckRequest(ctx, 1, "GET", "/")
	assert.True(t, res.Authorized)
	assert.Equal(t, "alice", res.User)
}

func TestBasicAuthRejectsWrongPassword(t *testing.T) {
	store := NewBcryptStore()
	require.NoError(t, store.SetPassword("alice", "wonderland"))
	a := NewAuthEngine(AuthBasic, "realm", 0)
	a.Verify = store

	ctx := NewContext()
	ctx.RemoteIP = "10.0.0.2"
	ctx.Header.Set("Authorization", basicHeader("alice", "wrong"))

	res := a.CheckRequest(ctx, 1, "GET", "/")
	assert.False(t, res.Authorized)
	assert.Equal(t, 401, res.Status)
	assert.Contains(t, res.Challenge, "realm")
}

func TestBasicAuthRejectsMissingHeader(t *testing.T) {
	store := NewBcryptStore()
	a := NewAuthEngine(AuthBasic, "realm", 0)
	a.Verify = store

	ctx := NewContext()
	ctx.RemoteIP = "10.0.0.3"
	res := a.CheckRequest(ctx, 1, "GET", "/")
	assert.Equal(t, 401, res.Status)
}

func TestBasicAuthCooldownReturns403WithinSameBucket(t *testing.T) {
	store := NewBcryptStore()
	require.NoError(t, store.SetPassword("alice", "wonderland"))
	a := NewAuthEngine(AuthBasic, "realm", time.Hour)
	a.Verify = store

	ctx := NewContext()
	ctx.RemoteIP = "10.0.0.4"
	ctx.Header.Set("Authorization", basicHeader("alice", "wrong"))
	first := a.CheckRequest(ctx, 1, "GET", "/")
	assert.Equal(t, 401, first.Status)

	second := a.CheckRequest(ctx, 1, "GET", "/")
	assert.Equal(t, 403, second.Status, "a retry within the same cooldown bucket must be rejected outright")
}

func TestBasicAuthSuccessClearsFailureRecord(t *testing.T) {
	store := NewBcryptStore()
	require.NoError(t, store.SetPassword("alice", "wonderland"))
	a := NewAuthEngine(AuthBasic, "realm", time.Hour)
	a.Verify = store

	ctx := NewContext()
	ctx.RemoteIP = "10.0.0.5"
	ctx.Header.Set("Authorization", basicHeader("alice", "wrong"))
	a.CheckRequest(ctx, 1, "GET", "/")

	ctx.Header.Set("Authorization", basicHeader("alice", "wonderland"))
	res := a.CheckRequest(ctx, 1, "GET", "/")
	require.True(t, res.Authorized)

	// A following bad attempt should get a fresh 401, not an inherited 403.
	ctx.Header.Set("Authorization", basicHeader("alice", "wrong"))
	res = a.CheckRequest(ctx, 1, "GET", "/")
	assert.Equal(t, 401, res.Status)
}

type staticPasswordVerifier struct {
	password string
}

func (v staticPasswordVerifier) Check(user, password string) bool { return password == v.password }
func (v staticPasswordVerifier) Password(user string) (string, bool) {
	return v.password, true
}

func TestDigestAuthChallengeWithoutHeader(t *testing.T) {
	a := NewAuthEngine(AuthDigest, "realm", 0)
	a.Verify = staticPasswordVerifier{password: "secret"}

	ctx := NewContext()
	ctx.RemoteIP = "10.0.0.6"
	res := a.CheckRequest(ctx, 7, "GET", "/resource")
	assert.Equal(t, 401, res.Status)
	assert.Contains(t, res.Challenge, "nonce=")
}

func TestDigestAuthRejectsURLMismatch(t *testing.T) {
	a := NewAuthEngine(AuthDigest, "realm", 0)
	a.Verify = staticPasswordVerifier{password: "secret"}

	ctx := NewContext()
	ctx.RemoteIP = "10.0.0.7"
	ctx.Header.Set("Authorization", `Digest username="bob", uri="/other", nonce="x", response="y"`)
	res := a.CheckRequest(ctx, 7, "GET", "/resource")
	assert.Equal(t, 401, res.Status)
}

func TestNegotiateAuthRejectsWithoutGSS(t *testing.T) {
	a := NewAuthEngine(AuthNegotiate, "realm", 0)
	ctx := NewContext()
	ctx.RemoteIP = "10.0.0.8"
	res := a.CheckRequest(ctx, 1, "GET", "/")
	assert.Equal(t, 401, res.Status)
	assert.Equal(t, "Negotiate", res.Challenge)
}

type completingGSS struct{}

func (completingGSS) Accept(input []byte) ([]byte, bool, error) { return nil, true, nil }

func TestNegotiateAuthAcceptsCompletedExchange(t *testing.T) {
	a := NewAuthEngine(AuthNegotiate, "realm", 0)
	a.GSS = completingGSS{}

	ctx := NewContext()
	ctx.RemoteIP = "10.0.0.9"
	ctx.Header.Set("Authorization", "Negotiate "+base64.StdEncoding.EncodeToString([]byte("token")))
	res := a.CheckRequest(ctx, 1, "GET", "/")
	assert.True(t, res.Authorized)
}

func TestBcryptStoreRejectsUnknownUser(t *testing.T) {
	store := NewBcryptStore()
	assert.False(t, store.Check("ghost", "anything"))
}
