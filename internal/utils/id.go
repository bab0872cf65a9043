package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewID returns a random identifier for connections and sessions.
func NewID() string {
	return uuid.NewString()
}

// NewTimeID returns an identifier that sorts by creation time: a UUIDv7 when
// available, otherwise the current time in nanoseconds plus random bytes.
func NewTimeID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}

	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err == nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + hex.EncodeToString(buf)
	}
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}
