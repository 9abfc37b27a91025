// Package util provides utility functions for the HabitPipe application.
package util

import (
	"math/rand/v2"
	"strings"
)

// Record ID prefixes
const (
	PendingIDPrefix    = "pc_"
	FollowupIDPrefix   = "fu_"
	MessageLogIDPrefix = "msg_"

	idHexLength = 32
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GeneratePendingID generates an ID for a pending clarification row.
func GeneratePendingID() string {
	return GenerateRandomID(PendingIDPrefix, idHexLength)
}

// GenerateFollowupID generates an ID for a follow-up log row.
func GenerateFollowupID() string {
	return GenerateRandomID(FollowupIDPrefix, idHexLength)
}

// GenerateMessageLogID generates an ID for a message log row.
func GenerateMessageLogID() string {
	return GenerateRandomID(MessageLogIDPrefix, idHexLength)
}
