package nips

import (
	"encoding/hex"
	"errors"
	"strings"
)

// Bech32 charset
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// Bech32Decode decodes a bech32 string into HRP and 5-bit data, verifying
// the checksum.
func Bech32Decode(bech string) (string, []byte, error) {
	if len(bech) < 8 {
		return "", nil, errors.New("too short")
	}
	bech = strings.ToLower(bech)

	pos := strings.LastIndex(bech, "1")
	if pos < 1 || pos+7 > len(bech) {
		return "", nil, errors.New("invalid separator position")
	}

	hrp := bech[:pos]
	data := bech[pos+1:]

	var values []byte
	for _, c := range data {
		idx := strings.IndexRune(bech32Charset, c)
		if idx == -1 {
			return "", nil, errors.New("invalid character")
		}
		values = append(values, byte(idx))
	}

	if len(values) < 6 {
		return "", nil, errors.New("too short for checksum")
	}
	if !bech32VerifyChecksum(hrp, values) {
		return "", nil, errors.New("checksum mismatch")
	}

	return hrp, values[:len(values)-6], nil
}

// Bech32ConvertBits converts between bit groups
func Bech32ConvertBits(data []byte, fromBits, toBits int, pad bool) ([]byte, error) {
	acc := 0
	bits := 0
	var ret []byte
	maxv := (1 << toBits) - 1

	for _, value := range data {
		acc = (acc << fromBits) | int(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			ret = append(ret, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, errors.New("invalid padding")
	}

	return ret, nil
}

// Bech32Encode encodes data with the given HRP
func Bech32Encode(hrp string, data []byte) (string, error) {
	values := append([]byte{}, data...)
	checksum := bech32CreateChecksum(hrp, values)
	combined := append(values, checksum...)

	var result strings.Builder
	result.WriteString(hrp)
	result.WriteByte('1')
	for _, v := range combined {
		result.WriteByte(bech32Charset[v])
	}

	return result.String(), nil
}

// bech32 polymod for checksum calculation
func bech32Polymod(values []int) int {
	gen := []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []int {
	var ret []int
	for _, c := range hrp {
		ret = append(ret, int(c>>5))
	}
	ret = append(ret, 0)
	for _, c := range hrp {
		ret = append(ret, int(c&31))
	}
	return ret
}

func bech32CreateChecksum(hrp string, data []byte) []byte {
	values := bech32HrpExpand(hrp)
	for _, d := range data {
		values = append(values, int(d))
	}
	for i := 0; i < 6; i++ {
		values = append(values, 0)
	}
	polymod := bech32Polymod(values) ^ 1
	var checksum []byte
	for i := 0; i < 6; i++ {
		checksum = append(checksum, byte((polymod>>(5*(5-i)))&31))
	}
	return checksum
}

func bech32VerifyChecksum(hrp string, values []byte) bool {
	check := bech32HrpExpand(hrp)
	for _, v := range values {
		check = append(check, int(v))
	}
	return bech32Polymod(check) == 1
}

// EncodePubkey encodes a hex pubkey to npub format
func EncodePubkey(hexPubkey string) (string, error) {
	return encodeEntity("npub", hexPubkey)
}

// EncodeEventID encodes a hex event ID to note format
func EncodeEventID(hexEventID string) (string, error) {
	return encodeEntity("note", hexEventID)
}

func encodeEntity(hrp, hexID string) (string, error) {
	raw, err := hex.DecodeString(hexID)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", errors.New("invalid length")
	}

	data, err := Bech32ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return Bech32Encode(hrp, data)
}

// DecodePubkey decodes an npub to its hex pubkey
func DecodePubkey(npub string) (string, error) {
	return decodeEntity("npub", npub)
}

// DecodeEventID decodes a note entity to its hex event ID
func DecodeEventID(note string) (string, error) {
	return decodeEntity("note", note)
}

func decodeEntity(wantHRP, bech string) (string, error) {
	hrp, data, err := Bech32Decode(bech)
	if err != nil {
		return "", err
	}
	if hrp != wantHRP {
		return "", errors.New("unexpected prefix " + hrp)
	}

	raw, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", errors.New("invalid payload length")
	}
	return hex.EncodeToString(raw), nil
}

// NormalizePubkey accepts a pubkey in either npub or 64-char hex form and
// returns the lowercase hex form.
func NormalizePubkey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "npub1") {
		return DecodePubkey(s)
	}
	s = strings.ToLower(s)
	if len(s) != 64 {
		return "", errors.New("pubkey must be npub or 64-char hex")
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", errors.New("invalid hex pubkey")
	}
	return s, nil
}
