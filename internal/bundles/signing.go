package bundles

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apphub/apphub/internal/core"
)

// Signer issues and verifies download tokens over (slug, version,
// expiresAt). The download endpoint validates the token and expiry before
// streaming the artifact.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns a token valid until expiresAt.
func (s *Signer) Sign(slug, version string, expiresAt time.Time) string {
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	mac := s.mac(slug, version, exp)
	return exp + "." + base64.RawURLEncoding.EncodeToString(mac)
}

// Verify checks the token against the slug/version and current time.
func (s *Signer) Verify(slug, version, token string, now time.Time) error {
	expStr, sig, found := strings.Cut(token, ".")
	if !found {
		return core.ValidationErr("malformed download token")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return core.ValidationErr("malformed download token")
	}
	if now.Unix() > exp {
		return core.ValidationErr("download token expired")
	}
	want := s.mac(slug, version, expStr)
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(want, got) {
		return core.ValidationErr("download token signature mismatch")
	}
	return nil
}

func (s *Signer) mac(slug, version, exp string) []byte {
	h := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(h, "%s\x00%s\x00%s", slug, version, exp)
	return h.Sum(nil)
}
