package stellar

import (
	"crypto/ed25519"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// AddressLength: длина StrKey адреса аккаунта.
	AddressLength = 56

	// AddressPrefix: все account id начинаются с "G".
	AddressPrefix = "G"

	versionAccountID byte = 6 << 3
)

var ErrInvalidAddress = errors.New("invalid stellar address")

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeAddress encodes an ed25519 public key as a StrKey account id:
// base32(version ++ key ++ crc16_le(version ++ key)).
func EncodeAddress(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key size %d", ErrInvalidAddress, len(pub))
	}
	raw := make([]byte, 0, 1+ed25519.PublicKeySize+2)
	raw = append(raw, versionAccountID)
	raw = append(raw, pub...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16(raw))
	return strkeyEncoding.EncodeToString(raw), nil
}

// DecodeAddress parses a StrKey account id back into its public key.
func DecodeAddress(address string) (ed25519.PublicKey, error) {
	if len(address) != AddressLength {
		return nil, fmt.Errorf("%w: length %d, expected %d", ErrInvalidAddress, len(address), AddressLength)
	}
	if !strings.HasPrefix(address, AddressPrefix) {
		return nil, fmt.Errorf("%w: must start with %q", ErrInvalidAddress, AddressPrefix)
	}
	raw, err := strkeyEncoding.DecodeString(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 1+ed25519.PublicKeySize+2 || raw[0] != versionAccountID {
		return nil, fmt.Errorf("%w: bad version byte", ErrInvalidAddress)
	}

	payload := raw[:len(raw)-2]
	want := binary.LittleEndian.Uint16(raw[len(raw)-2:])
	if crc16(payload) != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return ed25519.PublicKey(payload[1:]), nil
}

func ValidateAddress(address string) error {
	_, err := DecodeAddress(address)
	return err
}

// crc16 is CRC-16/XMODEM (poly 0x1021, init 0).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
