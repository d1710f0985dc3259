package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ursafe/ursafe/crypto"
)

var errCorruptFile = errors.New("vault: file layout corrupt")

// vault.enc layout: [12-byte nonce][16-byte tag][ciphertext].
func encodeVaultFile(box *crypto.SealedBox) []byte {
	raw := make([]byte, 0, crypto.NonceLen+crypto.TagLen+len(box.Ciphertext))
	raw = append(raw, box.Nonce...)
	raw = append(raw, box.Tag...)
	raw = append(raw, box.Ciphertext...)
	return raw
}

func decodeVaultFile(raw []byte) (*crypto.SealedBox, error) {
	if len(raw) < crypto.NonceLen+crypto.TagLen {
		return nil, errCorruptFile
	}
	return &crypto.SealedBox{
		Nonce:      raw[:crypto.NonceLen],
		Tag:        raw[crypto.NonceLen : crypto.NonceLen+crypto.TagLen],
		Ciphertext: raw[crypto.NonceLen+crypto.TagLen:],
	}, nil
}

// metadata.enc layout: [16-byte salt][12-byte nonce][16-byte tag][ciphertext].
// The salt sits unencrypted at a fixed offset; it is the one value that must
// be readable before any key can be derived.
func encodeMetadataFile(salt []byte, box *crypto.SealedBox) []byte {
	raw := make([]byte, 0, crypto.SaltLen+crypto.NonceLen+crypto.TagLen+len(box.Ciphertext))
	raw = append(raw, salt...)
	raw = append(raw, box.Nonce...)
	raw = append(raw, box.Tag...)
	raw = append(raw, box.Ciphertext...)
	return raw
}

func decodeMetadataFile(raw []byte) (salt []byte, box *crypto.SealedBox, err error) {
	if len(raw) < crypto.SaltLen+crypto.NonceLen+crypto.TagLen {
		return nil, nil, errCorruptFile
	}
	salt = raw[:crypto.SaltLen]
	rest := raw[crypto.SaltLen:]
	box = &crypto.SealedBox{
		Nonce:      rest[:crypto.NonceLen],
		Tag:        rest[crypto.NonceLen : crypto.NonceLen+crypto.TagLen],
		Ciphertext: rest[crypto.NonceLen+crypto.TagLen:],
	}
	return salt, box, nil
}

// metadataPayload is the plaintext of metadata.enc: non-secret but
// integrity-critical parameters.
type metadataPayload struct {
	DriveSalt         []byte        `json:"drive_salt"`
	KDF               crypto.Params `json:"kdf"`
	FingerprintCheck  []byte        `json:"fingerprint_check"`
	SigningPub        []byte        `json:"signing_pub"`
	DriveShareIndices []int         `json:"drive_share_indices"`
}

func (p *metadataPayload) marshal() ([]byte, error) { return json.Marshal(p) }

func parseMetadataPayload(b []byte) (*metadataPayload, error) {
	var p metadataPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: metadata payload: %v", errCorruptFile, err)
	}
	if len(p.DriveSalt) != crypto.SaltLen || len(p.FingerprintCheck) != 16 || len(p.SigningPub) != 32 {
		return nil, errCorruptFile
	}
	return &p, nil
}

// manifestMessage is the byte string the manifest signature covers.
func manifestMessage(vaultCT, metaCT []byte, headHash string) []byte {
	msg := make([]byte, 0, len(vaultCT)+len(metaCT)+len(headHash))
	msg = append(msg, vaultCT...)
	msg = append(msg, metaCT...)
	msg = append(msg, []byte(headHash)...)
	return msg
}

func readFileIfExists(path string) ([]byte, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return b, true
}
