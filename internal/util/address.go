package util

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var hash32Pattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

// CanonicalAddress normalizes a chain address to the lowercase hex form used
// for every comparison and storage key.
func CanonicalAddress(address string) string {
	return strings.ToLower(common.HexToAddress(address).Hex())
}

func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// IsHash32 reports whether s is a 32-byte hex digest, with or without the 0x
// prefix.
func IsHash32(s string) bool {
	return hash32Pattern.MatchString(s)
}
