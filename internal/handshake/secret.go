package handshake

import (
	"io/ioutil"

	"github.com/pkg/errors"
)

// Secret is the borrowed pre-shared key material: opaque bytes shared
// out-of-band between the two ends of the tunnel, of MinSecretLen to
// maxSecretLen bytes. The core never mutates or
// frees it -- it is owned by whoever parses the daemon's configuration
// and must outlive every Conn built against it.
type Secret struct {
	raw []byte
}

// MinSecretLen mirrors spiped's key file: a PSK short enough to type is a
// PSK an attacker can brute force, so reject anything under 32 bytes.
const MinSecretLen = 32

// maxSecretLen is blake2b's maximum key size: the secret keys the
// handshake MAC directly (see keyedMAC), so anything longer is rejected.
const maxSecretLen = 64

// NewSecret wraps raw key bytes as a Secret.
func NewSecret(raw []byte) (*Secret, error) {
	if len(raw) < MinSecretLen {
		return nil, errors.Errorf("handshake: shared secret must be at least %d bytes, got %d", MinSecretLen, len(raw))
	}
	if len(raw) > maxSecretLen {
		return nil, errors.Errorf("handshake: shared secret must be at most %d bytes, got %d", maxSecretLen, len(raw))
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &Secret{raw: cp}, nil
}

// LoadSecretFile reads a raw shared-secret file, the way spiped's
// binaries load "-k keyfile". Unlike the original, this repository does
// not reimplement spiped's bcrypt-PBKDF key-file wrapping -- the
// handshake protocol, which owns key derivation, is a swappable
// external collaborator here; LoadSecretFile simply treats the file's
// bytes as the shared secret.
func LoadSecretFile(path string) (*Secret, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: read key file")
	}
	return NewSecret(raw)
}
