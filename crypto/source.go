package crypto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	walleterrors "thresholdsig/core/errors"
	"thresholdsig/core/types"
)

// Passphrase yields the keystore passphrase.
type Passphrase interface {
	Get() (string, error)
}

// forgetter is implemented by passphrase sources that cache answers. A
// passphrase the keystore rejected is forgotten so the next connect asks again.
type forgetter interface {
	Forget()
}

// KeystoreSource unlocks the account stored in a keystore file. The
// decrypted key is reused until the file changes on disk, so replacing the
// file and switching accounts picks up the new key.
type KeystoreSource struct {
	path       string
	passphrase Passphrase

	mu      sync.Mutex
	key     *PrivateKey
	modTime time.Time
	size    int64
}

// NewKeystoreSource returns a source for the keystore at path.
func NewKeystoreSource(path string, passphrase Passphrase) *KeystoreSource {
	return &KeystoreSource{path: path, passphrase: passphrase}
}

// Account unlocks the keystore. A missing or rejected passphrase is reported
// as ErrUserDenied.
func (s *KeystoreSource) Account(context.Context) (types.Account, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return s.key, nil
	}
	if s.passphrase == nil {
		return nil, fmt.Errorf("%w: no passphrase source", walleterrors.ErrUserDenied)
	}
	passphrase, err := s.passphrase.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", walleterrors.ErrUserDenied, err)
	}
	key, err := LoadFromKeystore(s.path, passphrase)
	if err != nil {
		if f, ok := s.passphrase.(forgetter); ok && errors.Is(err, walleterrors.ErrUserDenied) {
			f.Forget()
		}
		return nil, err
	}
	s.key = key
	s.modTime = info.ModTime()
	s.size = info.Size()
	return key, nil
}
