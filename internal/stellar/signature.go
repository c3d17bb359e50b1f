package stellar

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrBadSignature = errors.New("invalid signature")

// NetworkID: sha256 от network passphrase. Подпись без него переиграть в
// другой сети невозможно.
func NetworkID(passphrase string) [32]byte {
	return sha256.Sum256([]byte(passphrase))
}

// signatureBase = sha256(network_id ++ payload)
func signatureBase(passphrase string, payload []byte) []byte {
	id := NetworkID(passphrase)
	h := sha256.New()
	h.Write(id[:])
	h.Write(payload)
	return h.Sum(nil)
}

// Sign signs payload for the given network.
func Sign(key ed25519.PrivateKey, passphrase string, payload []byte) []byte {
	return ed25519.Sign(key, signatureBase(passphrase, payload))
}

// VerifySignature checks that sig was produced by the key behind address
// over payload on the given network.
func VerifySignature(address, passphrase string, payload, sig []byte) error {
	pub, err := DecodeAddress(address)
	if err != nil {
		return err
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: size %d", ErrBadSignature, len(sig))
	}
	if !ed25519.Verify(pub, signatureBase(passphrase, payload), sig) {
		return ErrBadSignature
	}
	return nil
}

// VerifySignatureHex is VerifySignature for hex-encoded signatures.
func VerifySignatureHex(address, passphrase string, payload []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: invalid signature hex: %v", ErrBadSignature, err)
	}
	return VerifySignature(address, passphrase, payload, sig)
}
