package utils

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// NormalizeText lowercases and collapses whitespace so that trivially
// different renderings of the same log line share a cache key.
func NormalizeText(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}

// ContentHash returns the hex SHA-256 of the normalized text.
func ContentHash(input string) string {
	sum := sha256.Sum256([]byte(NormalizeText(input)))
	return fmt.Sprintf("%x", sum)
}
