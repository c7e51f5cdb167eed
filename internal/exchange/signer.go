package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Signer computes request signatures for the exchange's v5 API.
// Keys are held as []byte so they can be wiped on shutdown.
type Signer struct {
	apiKey []byte
	secret []byte
}

// NewSigner creates a signer for the given credentials
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{
		apiKey: []byte(apiKey),
		secret: []byte(secret),
	}
}

// APIKey returns the public key sent in the X-BAPI-API-KEY header
func (s *Signer) APIKey() string {
	return string(s.apiKey)
}

// Sign returns hex(HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload)).
// payload is the canonical query string for GET and the literal body for POST.
// ⭐ SSOT: 서명 문자열 규칙은 여기서만
func (s *Signer) Sign(timestamp, recvWindow int64, payload string) string {
	pre := make([]byte, 0, 32+len(s.apiKey)+len(payload))
	pre = strconv.AppendInt(pre, timestamp, 10)
	pre = append(pre, s.apiKey...)
	pre = strconv.AppendInt(pre, recvWindow, 10)
	pre = append(pre, payload...)
	return s.hmacHex(pre)
}

// SignWS returns the signature for the private websocket auth op
func (s *Signer) SignWS(expires int64) string {
	return s.hmacHex([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
}

func (s *Signer) hmacHex(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Wipe clears the keys from memory
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for i := range s.apiKey {
		s.apiKey[i] = 0
	}
	for i := range s.secret {
		s.secret[i] = 0
	}
}
