// Package keycodec normalizes a publisher key from either a 64-char hex
// string or the "npub1"-prefixed 5-bit group encoding described in
// spec.md §4.2 into 32 bytes of canonical (lowercase hex) key material.
//
// This intentionally does not use a standard bech32 library: a conforming
// bech32 decoder verifies the trailing checksum, and spec.md is explicit
// that this source performs no such verification — it just drops the
// trailing 6 symbols. Using a checksum-enforcing decoder here would
// reject inputs this format is specified to accept.
package keycodec

import (
	"encoding/hex"
	"strings"

	"github.com/nweb-ext/nwebcore/internal/errs"
)

const (
	npubPrefix = "npub1"
	charset    = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
	keyBytes   = 32
	checksumSymbols = 6
)

var charsetIndex = func() map[byte]int {
	m := make(map[byte]int, len(charset))
	for i := 0; i < len(charset); i++ {
		m[charset[i]] = i
	}
	return m
}()

// Normalize accepts either a 64-char hex string or an npub1-prefixed
// group-encoded string and returns 32 bytes of key material, lowercased
// hex. It returns a *errs.CoreError with code BAD_KEY on any failure.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	if len(raw) == 64 && isHex(raw) {
		return strings.ToLower(raw), nil
	}

	if strings.HasPrefix(raw, npubPrefix) {
		return decodeNpub(raw)
	}

	return "", errs.New(errs.BadKey, "key is neither 64 hex characters nor a valid npub1 encoding")
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

// decodeNpub decodes the 5-bit-group body of an npub1 string into bytes.
// The body (everything after the "npub1" prefix) is read as a sequence
// of 5-bit values from charset, regrouped MSB-first into 8-bit bytes,
// and the trailing 6 symbols (the bech32 checksum, unverified here) are
// dropped before regrouping.
func decodeNpub(raw string) (string, error) {
	body := raw[len(npubPrefix):]
	if len(body) <= checksumSymbols {
		return "", errs.New(errs.BadKey, "npub body too short")
	}
	body = body[:len(body)-checksumSymbols]

	values := make([]int, 0, len(body))
	for i := 0; i < len(body); i++ {
		v, ok := charsetIndex[body[i]]
		if !ok {
			return "", errs.Newf(errs.BadKey, "invalid npub character %q", body[i])
		}
		values = append(values, v)
	}

	raw8, err := regroup(values, 5, 8)
	if err != nil {
		return "", err
	}
	if len(raw8) != keyBytes {
		return "", errs.Newf(errs.BadKey, "decoded key is %d bytes, want %d", len(raw8), keyBytes)
	}

	return hex.EncodeToString(raw8), nil
}

// regroup repacks a sequence of fromBits-wide values, MSB-first, into a
// sequence of toBits-wide bytes. Trailing bits that don't fill a whole
// output byte are dropped, which is exactly how the bech32 data part
// drops its final padding bits.
func regroup(values []int, fromBits, toBits uint) ([]byte, error) {
	var acc uint32
	var bits uint
	out := make([]byte, 0, len(values)*int(fromBits)/int(toBits)+1)

	maxv := uint32(1)<<toBits - 1
	for _, v := range values {
		if v < 0 || uint32(v) > (uint32(1)<<fromBits-1) {
			return nil, errs.New(errs.BadKey, "value out of range during regroup")
		}
		acc = acc<<fromBits | uint32(v)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte((acc>>bits)&maxv))
		}
	}
	return out, nil
}
