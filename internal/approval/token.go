package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// IssueToken mints a capability for one approval id, valid until validUntil.
// Format: "<unix seconds>.<hex hmac-sha256(id|unix)>".
func IssueToken(secret []byte, id string, validUntil time.Time) string {
	exp := strconv.FormatInt(validUntil.Unix(), 10)
	return exp + "." + tokenMAC(secret, id, exp)
}

// VerifyToken checks that token was issued for id and has not lapsed.
func VerifyToken(secret []byte, id, token string, now time.Time) error {
	exp, mac, ok := strings.Cut(token, ".")
	if !ok || exp == "" || mac == "" {
		return ErrInvalidToken
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrInvalidToken
	}
	if !hmac.Equal([]byte(mac), []byte(tokenMAC(secret, id, exp))) {
		return ErrInvalidToken
	}
	if now.Unix() > unix {
		return ErrInvalidToken
	}
	return nil
}

func tokenMAC(secret []byte, id, exp string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(id))
	h.Write([]byte{'|'})
	h.Write([]byte(exp))
	return hex.EncodeToString(h.Sum(nil))
}
