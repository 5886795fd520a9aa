package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"io"
	"time"

	"github.com/cuemby/dsm-storage-node/pkg/dsmerr"
)

// Sealer seals a Manager's state for storage on disk with AES-256-GCM,
// so a node's own filesystem never holds vault content or fulfillment
// parameters in the clear between restarts. This guards the node
// operator's disk, not the protocol: vault content reaching a peer
// over the wire is unaffected by this and stays exactly as opaque as
// every other stored entry.
type Sealer struct {
	key []byte // 32 bytes, AES-256
}

// NewSealer requires a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	const op = "vault.NewSealer"
	if len(key) != 32 {
		return nil, dsmerr.New(dsmerr.Validation, op, "seal key must be 32 bytes for AES-256")
	}
	return &Sealer{key: key}, nil
}

// NewSealerFromPassphrase derives a 32-byte key from an operator
// passphrase via SHA-256, for deployments without a separate key
// management step.
func NewSealerFromPassphrase(passphrase string) (*Sealer, error) {
	const op = "vault.NewSealerFromPassphrase"
	if passphrase == "" {
		return nil, dsmerr.New(dsmerr.Validation, op, "passphrase must not be empty")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return NewSealer(sum[:])
}

type sealedVault struct {
	ID          string
	Content     []byte
	Fulfillment Fulfillment
	Status      Status
	Metadata    map[string]string
	CreatedAt   int64
	UnlockedAt  int64
	Deadline    int64
}

// Seal gob-encodes the manager's current vault set and encrypts it
// with AES-256-GCM, prepending the nonce to the returned ciphertext.
func (s *Sealer) Seal(m *Manager) ([]byte, error) {
	const op = "vault.Sealer.Seal"
	m.mu.Lock()
	snapshot := make([]sealedVault, 0, len(m.vaults))
	for _, v := range m.vaults {
		snapshot = append(snapshot, sealedVault{
			ID:          v.ID,
			Content:     v.Content,
			Fulfillment: v.Fulfillment,
			Status:      v.Status,
			Metadata:    v.Metadata,
			CreatedAt:   v.CreatedAt.Unix(),
			UnlockedAt:  v.UnlockedAt.Unix(),
			Deadline:    v.Deadline.Unix(),
		})
	}
	m.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot); err != nil {
		return nil, dsmerr.Wrap(dsmerr.Serialization, op, "encode vault snapshot", err)
	}
	return s.encrypt(buf.Bytes())
}

// Open decrypts and reloads a sealed snapshot produced by Seal into a
// fresh Manager.
func (s *Sealer) Open(sealed []byte) (*Manager, error) {
	const op = "vault.Sealer.Open"
	plain, err := s.decrypt(sealed)
	if err != nil {
		return nil, dsmerr.Wrap(dsmerr.Crypto, op, "decrypt vault snapshot", err)
	}

	var snapshot []sealedVault
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&snapshot); err != nil {
		return nil, dsmerr.Wrap(dsmerr.Serialization, op, "decode vault snapshot", err)
	}

	m := NewManager()
	for _, sv := range snapshot {
		m.vaults[sv.ID] = &Vault{
			ID:          sv.ID,
			Content:     sv.Content,
			Fulfillment: sv.Fulfillment,
			Status:      sv.Status,
			Metadata:    sv.Metadata,
			CreatedAt:   time.Unix(sv.CreatedAt, 0),
			UnlockedAt:  time.Unix(sv.UnlockedAt, 0),
			Deadline:    time.Unix(sv.Deadline, 0),
		}
	}
	return m, nil
}

func (s *Sealer) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Sealer) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, dsmerr.New(dsmerr.Crypto, "vault.Sealer.decrypt", "ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}

func init() {
	gob.Register(TimeBased{})
}
