package util

import (
	"math/rand/v2"
	"strings"
)

// ID prefixes for records AffirmFlow hands out to clients.
const (
	SessionIDPrefix = "ob_"
	RunIDPrefix     = "cs_"
)

const idHexLength = 24

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// The output is not suitable for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex digits.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(16)])
	}
	return b.String()
}

// GenerateSessionID returns an onboarding session id, e.g. "ob_3f9a...".
func GenerateSessionID() string {
	return GenerateRandomID(SessionIDPrefix, idHexLength)
}

// GenerateRunID returns a chat-survey run id.
func GenerateRunID() string {
	return GenerateRandomID(RunIDPrefix, idHexLength)
}
