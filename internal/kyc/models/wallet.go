package models

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	dErrors "onchainkyc/pkg/domain-errors"
)

// ParseWallet validates an EVM address and returns its lowercase form.
//
// Accepted: "0x" followed by 40 hex digits. All-lowercase and all-uppercase
// digits are accepted as-is; mixed case must carry a valid EIP-55 checksum.
func ParseWallet(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 42 || (raw[:2] != "0x" && raw[:2] != "0X") {
		return "", dErrors.New(dErrors.CodeInvalidWallet, "wallet address must be 0x followed by 40 hex characters")
	}
	digits := raw[2:]
	if _, err := hex.DecodeString(digits); err != nil {
		return "", dErrors.New(dErrors.CodeInvalidWallet, "wallet address must be 0x followed by 40 hex characters")
	}
	lower := strings.ToLower(digits)
	if digits != lower && digits != strings.ToUpper(digits) {
		if ChecksumWallet("0x"+lower) != "0x"+digits {
			return "", dErrors.New(dErrors.CodeInvalidWallet, "wallet address checksum mismatch")
		}
	}
	return "0x" + lower, nil
}

// ChecksumWallet renders a lowercase address in EIP-55 mixed case.
func ChecksumWallet(wallet string) string {
	digits := strings.ToLower(strings.TrimPrefix(wallet, "0x"))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(digits))
	sum := h.Sum(nil)

	out := []byte(digits)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}
