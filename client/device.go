package client

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewDeviceID returns a fresh 40 character upper-case hex id, the SHA-1 of
// random bytes and the current time.
func NewDeviceID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	h := sha1.New()
	h.Write(u[:])
	h.Write([]byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}
