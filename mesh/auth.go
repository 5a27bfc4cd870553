// Authentication engine: Basic / Digest / Negotiate server-side flows,
// challenge issuance and verification, and the post-401 cooldown. No
// single teacher file covers this (gorox proxies auth upstream rather
// than terminating it); built directly in gorox's onCreate/OnConfigure
// construction idiom.

package mesh

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// AuthMode selects one server-side authentication flow. Modes are mutually
// exclusive and process-wide.
type AuthMode uint8

const (
	AuthNone AuthMode = iota
	AuthBasic
	AuthDigest
	AuthNegotiate
)

// CredentialVerifier checks a username/password pair, e.g. against a store.
type CredentialVerifier interface {
	Check(user, password string) bool
}

// VerifierFunc adapts a plain function to CredentialVerifier.
type VerifierFunc func(user, password string) bool

func (f VerifierFunc) Check(user, password string) bool { return f(user, password) }

// BcryptStore verifies Basic credentials against bcrypt-hashed passwords.
// Wired from munonun-Web4's golang.org/x/crypto dependency: Web4 uses
// x/crypto for AEAD/hash primitives; bcrypt is the same module's
// idiomatic answer to "verify a password against a stored hash".
type BcryptStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte // user -> bcrypt hash
}

// NewBcryptStore creates an empty store.
func NewBcryptStore() *BcryptStore {
	return &BcryptStore{hashes: make(map[string][]byte)}
}

// SetPassword hashes and stores password for user, replacing any prior hash.
func (s *BcryptStore) SetPassword(user, password string) error {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.hashes[user] = h
	s.mu.Unlock()
	return nil
}

// Check implements CredentialVerifier.
func (s *BcryptStore) Check(user, password string) bool {
	s.mu.RLock()
	hash, ok := s.hashes[user]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// GSSBinding is the platform GSS/SSPI two-way Negotiate binding, named
// only as an interface here: a thin seam around the OS-specific binding.
// Out of scope here beyond the interface.
type GSSBinding interface {
	// Accept consumes one base64-decoded input token and returns the next
	// output token (possibly empty) plus whether negotiation completed.
	Accept(inputToken []byte) (outputToken []byte, done bool, err error)
}

const authBucketSeconds = 4096 // cooldown bucket width in seconds

type authAttempt struct {
	bucket int64
	fails  int
}

// AuthEngine implements three server-side authentication flows plus the
// post-401 rate limit.
type AuthEngine struct {
	Mode     AuthMode
	Realm    string
	Verify   CredentialVerifier // used when Mode == AuthBasic
	GSS      GSSBinding         // used when Mode == AuthNegotiate
	Cooldown time.Duration      // > 0 enables the post-401 rate limit; its window is the authBucketSeconds epoch bucket, not this duration

	mu       sync.Mutex
	attempts map[string]*authAttempt // keyed by remote IP
}

// NewAuthEngine constructs an engine for mode, realm is used by Basic/Digest.
func NewAuthEngine(mode AuthMode, realm string, cooldown time.Duration) *AuthEngine {
	return &AuthEngine{
		Mode:     mode,
		Realm:    realm,
		Cooldown: cooldown,
		attempts: make(map[string]*authAttempt),
	}
}

// AuthResult is what CheckRequest decides.
type AuthResult struct {
	Authorized bool
	User       string
	Status     int    // 0 (authorized), 401, or 403
	Challenge  string // WWW-Authenticate header value, when Status == 401
}

// CheckRequest verifies ctx's Authorization header (if any) against the
// configured mode. connID seeds the Digest nonce.
func (a *AuthEngine) CheckRequest(ctx *Context, connID int64, method, url string) AuthResult {
	if a.Mode == AuthNone {
		return AuthResult{Authorized: true}
	}
	blocked, status := a.rateLimited(ctx.RemoteIP)
	header := ctx.Header.Get("Authorization")
	var res AuthResult
	switch a.Mode {
	case AuthBasic:
		res = a.checkBasic(ctx, header)
	case AuthDigest:
		res = a.checkDigest(ctx, header, connID, method, url)
	case AuthNegotiate:
		res = a.checkNegotiate(header)
	default:
		res = AuthResult{Authorized: true}
	}
	if blocked && !res.Authorized {
		return AuthResult{Status: status}
	}
	return res
}

// rateLimited implements the post-401 cooldown bucketed by an
// authBucketSeconds-granularity epoch: a retry within the same bucket
// with still-invalid credentials is rejected outright with 403 rather
// than re-challenged.
func (a *AuthEngine) rateLimited(ip string) (blocked bool, status int) {
	if a.Cooldown <= 0 {
		return false, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	att, ok := a.attempts[ip]
	if !ok {
		return false, 0
	}
	bucket := time.Now().Unix() / authBucketSeconds
	if att.fails > 0 && bucket == att.bucket {
		return true, 403
	}
	return false, 0
}

func (a *AuthEngine) recordFailure(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bucket := time.Now().Unix() / authBucketSeconds
	att, ok := a.attempts[ip]
	if !ok {
		att = &authAttempt{}
		a.attempts[ip] = att
	}
	att.bucket = bucket
	att.fails++
}

func (a *AuthEngine) recordSuccess(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.attempts, ip)
}

func (a *AuthEngine) checkBasic(ctx *Context, header string) AuthResult {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) || a.Verify == nil {
		a.recordFailure(ctx.RemoteIP)
		return AuthResult{Status: 401, Challenge: fmt.Sprintf(`Basic realm="%s"`, a.Realm)}
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		a.recordFailure(ctx.RemoteIP)
		return AuthResult{Status: 401, Challenge: fmt.Sprintf(`Basic realm="%s"`, a.Realm)}
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || !a.Verify.Check(user, pass) {
		a.recordFailure(ctx.RemoteIP)
		return AuthResult{Status: 401, Challenge: fmt.Sprintf(`Basic realm="%s"`, a.Realm)}
	}
	a.recordSuccess(ctx.RemoteIP)
	return AuthResult{Authorized: true, User: user}
}

// digestNonce derives a per-connection opaque nonce from the numeric
// connection ID.
func digestNonce(connID int64) string {
	sum := md5.Sum([]byte("nonce:" + strconv.FormatInt(connID, 10)))
	return hex.EncodeToString(sum[:])
}

func digestOpaque(connID int64) string {
	sum := md5.Sum([]byte("opaque:" + strconv.FormatInt(connID, 10)))
	return hex.EncodeToString(sum[:8])
}

func (a *AuthEngine) digestChallenge(connID int64) string {
	return fmt.Sprintf(`Digest realm="%s", nonce="%s", opaque="%s"`, a.Realm, digestNonce(connID), digestOpaque(connID))
}

func parseDigestParams(header string) map[string]string {
	const prefix = "Digest "
	out := make(map[string]string)
	if !strings.HasPrefix(header, prefix) {
		return out
	}
	for _, part := range strings.Split(header[len(prefix):], ",") {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}

func (a *AuthEngine) checkDigest(ctx *Context, header string, connID int64, method, url string) AuthResult {
	params := parseDigestParams(header)
	if len(params) == 0 || a.Verify == nil {
		a.recordFailure(ctx.RemoteIP)
		return AuthResult{Status: 401, Challenge: a.digestChallenge(connID)}
	}
	// The URL carried in the digest must match the request line's URL;
	// a mismatch is a rejection, not a protocol error.
	if params["uri"] != url {
		a.recordFailure(ctx.RemoteIP)
		return AuthResult{Status: 401, Challenge: a.digestChallenge(connID)}
	}
	user := params["username"]
	// Digest verification needs the plaintext password to recompute H(A1);
	// verifyDigestResponse obtains it through DigestPasswordVerifier, which
	// Verify must also implement (CredentialVerifier.Check is not used here).
	expectedNonce := digestNonce(connID)
	if params["nonce"] != expectedNonce {
		a.recordFailure(ctx.RemoteIP)
		return AuthResult{Status: 401, Challenge: a.digestChallenge(connID)}
	}
	if ok := a.verifyDigestResponse(user, method, params); !ok {
		a.recordFailure(ctx.RemoteIP)
		return AuthResult{Status: 401, Challenge: a.digestChallenge(connID)}
	}
	a.recordSuccess(ctx.RemoteIP)
	return AuthResult{Authorized: true, User: user}
}

// DigestPasswordVerifier lets a Digest deployment supply the raw password
// (Digest needs it to recompute H(A1); Basic only needs a boolean check).
type DigestPasswordVerifier interface {
	Password(user string) (string, bool)
}

func (a *AuthEngine) verifyDigestResponse(user, method string, params map[string]string) bool {
	pv, ok := a.Verify.(DigestPasswordVerifier)
	if !ok {
		return false
	}
	password, ok := pv.Password(user)
	if !ok {
		return false
	}
	ha1 := md5Hex(user + ":" + a.Realm + ":" + password)
	ha2 := md5Hex(method + ":" + params["uri"])
	var response string
	if params["qop"] != "" {
		response = md5Hex(strings.Join([]string{ha1, params["nonce"], params["nc"], params["cnonce"], params["qop"], ha2}, ":"))
	} else {
		response = md5Hex(strings.Join([]string{ha1, params["nonce"], ha2}, ":"))
	}
	return subtle.ConstantTimeCompare([]byte(response), []byte(params["response"])) == 1
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (a *AuthEngine) checkNegotiate(header string) AuthResult {
	const prefix = "Negotiate "
	if a.GSS == nil {
		return AuthResult{Status: 401, Challenge: "Negotiate"}
	}
	if !strings.HasPrefix(header, prefix) {
		return AuthResult{Status: 401, Challenge: "Negotiate"}
	}
	in, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return AuthResult{Status: 401, Challenge: "Negotiate"}
	}
	out, done, err := a.GSS.Accept(in)
	if err != nil {
		return AuthResult{Status: 401, Challenge: "Negotiate"}
	}
	challenge := "Negotiate"
	if len(out) > 0 {
		challenge = "Negotiate " + base64.StdEncoding.EncodeToString(out)
	}
	if !done {
		return AuthResult{Status: 401, Challenge: challenge}
	}
	return AuthResult{Authorized: true}
}
