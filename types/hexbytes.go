package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
)

// HexBytes is a []byte which encodes as hexadecimal in json, as opposed to the
// base64 default. Signatures and compressed identities travel as HexBytes.
type HexBytes []byte

// Hex returns the hexadecimal string representation of the HexBytes.
func (b HexBytes) Hex() string {
	return hex.EncodeToString(b)
}

// String returns the hexadecimal string representation of the HexBytes,
// prefixed with "0x".
func (b HexBytes) String() string {
	return "0x" + b.Hex()
}

// BigInt interprets the HexBytes as a big-endian unsigned integer.
func (b HexBytes) BigInt() *big.Int {
	return new(big.Int).SetBytes(b)
}

// LeftPad returns a new HexBytes padded with leading zeros to the specified
// length n. If the length of b is already n or greater, it returns a copy of b.
func (b HexBytes) LeftPad(n int) HexBytes {
	if len(b) >= n {
		return bytes.Clone(b)
	}
	out := make(HexBytes, n)
	copy(out[n-len(b):], b)
	return out
}

// Equal reports whether b and other hold the same bytes.
func (b HexBytes) Equal(other HexBytes) bool {
	return bytes.Equal(b, other)
}

// MarshalText encodes the bytes as a "0x" prefixed hex string.
func (b HexBytes) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText decodes a hex string, with or without "0x" prefix.
func (b *HexBytes) UnmarshalText(data []byte) error {
	decoded, err := HexStringToHexBytes(string(data))
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// HexStringToHexBytes converts a hex string to a HexBytes.
// It strips a leading '0x' or '0X' if found.
func HexStringToHexBytes(hexString string) (HexBytes, error) {
	if len(hexString) >= 2 && hexString[0] == '0' && (hexString[1] == 'x' || hexString[1] == 'X') {
		hexString = hexString[2:]
	}
	b, err := hex.DecodeString(hexString)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string %q: %w", hexString, err)
	}
	return b, nil
}
