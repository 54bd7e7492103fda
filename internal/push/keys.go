package push

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const keysFile = "vapid.json"

// IdentityKeys holds the relay's server identity key pair used by the push
// transport. The pair is generated once and persisted; the public half is
// handed out to subscribing clients.
type IdentityKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

type keyManager struct {
	path string
	mu   sync.Mutex
	keys *IdentityKeys
}

func newKeyManager(stateDir string) *keyManager {
	return &keyManager{path: filepath.Join(stateDir, dirName, keysFile)}
}

// get returns the persisted key pair, generating and persisting a fresh
// P-256 pair on first use.
func (m *keyManager) get() (*IdentityKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys != nil {
		return m.keys, nil
	}

	if data, err := os.ReadFile(m.path); err == nil {
		var keys IdentityKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PublicKey != "" && keys.PrivateKey != "" {
			m.keys = &keys
			return m.keys, nil
		}
	}

	keys, err := generateIdentityKeys()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return nil, fmt.Errorf("create push dir: %w", err)
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("encode identity keys: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write identity keys: %w", err)
	}

	m.keys = keys
	return m.keys, nil
}

func generateIdentityKeys() (*IdentityKeys, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity keys: %w", err)
	}

	return &IdentityKeys{
		// Uncompressed point, the form push services expect.
		PublicKey:  base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		PrivateKey: base64.RawURLEncoding.EncodeToString(priv.Bytes()),
	}, nil
}
