package util

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewCardID returns a lexically sortable ULID string.
func NewCardID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func NewProjectID() string {
	return "prj_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func NewRequestID() string {
	return uuid.NewString()
}

// NewRefreshToken returns 32 random bytes, hex encoded.
func NewRefreshToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// UserIDForName derives a stable user id from a display name. Only the dev
// login uses it.
func UserIDForName(name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(name))))
	return "usr_" + hex.EncodeToString(sum[:8])
}
