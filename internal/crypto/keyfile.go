// Package crypto loads and protects the operator key that signs settlement
// contract calls. End-user keys never pass through here.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfRounds      = 480_000
	kdfSaltBytes   = 16
	sealedKeyBytes = 32
	sealedVersion  = 1
)

// sealedKey is the on-disk operator key file. Byte fields are base64 in JSON.
type sealedKey struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Sealed  []byte `json:"ciphertext"`
}

// KeySource says where the operator key lives. Hex wins over File.
type KeySource struct {
	Hex        string
	File       string
	Passphrase string
}

// ResolveKey returns the operator key as hex without a 0x prefix.
func ResolveKey(src KeySource) (string, error) {
	if src.Hex != "" {
		raw, err := decodeKeyHex(src.Hex)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(raw), nil
	}
	if src.File == "" {
		return "", errors.New("crypto: no operator key configured")
	}
	data, err := os.ReadFile(src.File)
	if err != nil {
		return "", fmt.Errorf("crypto: read key file: %w", err)
	}
	return OpenKey(data, src.Passphrase)
}

// SealKey encrypts a hex operator key under passphrase (PBKDF2-SHA256 then
// AES-256-GCM) and returns the key file contents.
func SealKey(keyHex, passphrase string) ([]byte, error) {
	raw, err := decodeKeyHex(keyHex)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, kdfSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := keyAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return json.MarshalIndent(sealedKey{
		Version: sealedVersion,
		Salt:    salt,
		Nonce:   nonce,
		Sealed:  aead.Seal(nil, nonce, raw, nil),
	}, "", "  ")
}

// OpenKey decrypts a key file written by SealKey.
func OpenKey(data []byte, passphrase string) (string, error) {
	var sk sealedKey
	if err := json.Unmarshal(data, &sk); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if sk.Version != sealedVersion {
		return "", fmt.Errorf("crypto: key file version %d not supported", sk.Version)
	}
	aead, err := keyAEAD(passphrase, sk.Salt)
	if err != nil {
		return "", err
	}
	if len(sk.Nonce) != aead.NonceSize() {
		return "", errors.New("crypto: key file nonce has wrong length")
	}
	raw, err := aead.Open(nil, sk.Nonce, sk.Sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open key file: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func keyAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: empty passphrase")
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(passphrase), salt, kdfRounds, 32, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}

func decodeKeyHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not hex: %w", err)
	}
	if len(raw) != sealedKeyBytes {
		return nil, fmt.Errorf("crypto: key is %d bytes, want %d", len(raw), sealedKeyBytes)
	}
	return raw, nil
}
