package p2p

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"peerd/crypto"
)

// hostKeyFile is the raw 32-byte secret under the data directory.
const hostKeyFile = "host"

var ErrInvalidHostSecret = errors.New("p2p: host secret is invalid")

// File access is serialised process-wide; concurrent hosts sharing a data
// directory must not race the identity file.
var hostKeyMu sync.Mutex

// loadOrCreateHostKey reads the host secret from <dataDir>/host. A missing or
// mis-sized file triggers generation of a fresh secret seeded from wall time
// and the high-resolution clock. A zero secret after generation is an
// invalid-state condition that aborts startup.
func loadOrCreateHostKey(dataDir string) (*crypto.PrivateKey, error) {
	hostKeyMu.Lock()
	defer hostKeyMu.Unlock()

	path := filepath.Join(dataDir, hostKeyFile)
	secret, err := os.ReadFile(path)
	if err != nil || len(secret) != 32 {
		secret = generateSecret()
	}
	if crypto.SecretIsZero(secret) {
		return nil, ErrInvalidHostSecret
	}
	key, err := crypto.PrivateKeyFromBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHostSecret, err)
	}
	return key, nil
}

func generateSecret() []byte {
	seed := time.Now().Unix() + time.Now().UnixNano()
	rng := mrand.New(mrand.NewSource(seed))
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(rng.Intn(256))
	}
	return secret
}
