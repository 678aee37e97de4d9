// Package security holds the pre-shared key ring used for the cluster
// challenge and the passphrase generator.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"lukechampine.com/blake3"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// KeyFileSuffix is appended to the key name on disk.
const KeyFileSuffix = ".key"

var (
	// ErrKeyNotFound is returned when a key name is not in the ring.
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidKeyName is returned for names that cannot be used as file names.
	ErrInvalidKeyName = errors.New("invalid key name")
)

var keyNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Cipher encrypts and decrypts challenge material under a named key.
type Cipher interface {
	Encrypt(keyName string, plaintext []byte) (cyphertext, iv []byte, err error)
	Decrypt(keyName string, cyphertext, iv []byte) ([]byte, error)
	KeyExists(keyName string) bool
}

// Keyring is an in-memory set of named AES-256-GCM keys.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyring creates an empty Keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// Add stores or replaces a key.
func (k *Keyring) Add(name string, key []byte) error {
	if !keyNamePattern.MatchString(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidKeyName)
	}
	if len(key) != KeySize {
		return fmt.Errorf("key %q is %d bytes, want %d", name, len(key), KeySize)
	}
	cp := make([]byte, KeySize)
	copy(cp, key)

	k.mu.Lock()
	k.keys[name] = cp
	k.mu.Unlock()
	return nil
}

// KeyExists reports whether name is loaded.
func (k *Keyring) KeyExists(name string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[name]
	return ok
}

// Names returns the loaded key names, sorted.
func (k *Keyring) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.keys))
	for n := range k.keys {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Fingerprint returns a short BLAKE3 digest of a key for logs.
func (k *Keyring) Fingerprint(name string) (string, error) {
	k.mu.RLock()
	key, ok := k.keys[name]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%q: %w", name, ErrKeyNotFound)
	}
	return Fingerprint(key), nil
}

// Fingerprint returns the first 8 bytes of the BLAKE3 hash of key, hex encoded.
func Fingerprint(key []byte) string {
	sum := blake3.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

func (k *Keyring) aead(name string) (cipher.AEAD, error) {
	k.mu.RLock()
	key, ok := k.keys[name]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrKeyNotFound)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the named key with a fresh random nonce,
// returned as iv.
func (k *Keyring) Encrypt(name string, plaintext []byte) ([]byte, []byte, error) {
	gcm, err := k.aead(name)
	if err != nil {
		return nil, nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return gcm.Seal(nil, iv, plaintext, []byte(name)), iv, nil
}

// Decrypt opens cyphertext produced by Encrypt with the same key.
func (k *Keyring) Decrypt(name string, cyphertext, iv []byte) ([]byte, error) {
	gcm, err := k.aead(name)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), gcm.NonceSize())
	}
	plain, err := gcm.Open(nil, iv, cyphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt with key %q: %w", name, err)
	}
	return plain, nil
}

// EncryptString encrypts s and returns base64 cyphertext and iv, the form
// they travel in on the wire.
func EncryptString(c Cipher, keyName, s string) (string, string, error) {
	ct, iv, err := c.Encrypt(keyName, []byte(s))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptString reverses EncryptString.
func DecryptString(c Cipher, keyName, cyphertext, iv string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(cyphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode cyphertext: %w", err)
	}
	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("failed to decode iv: %w", err)
	}
	plain, err := c.Decrypt(keyName, ct, rawIV)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// LoadDir loads every <name>.key file in dir. Each file holds the base64
// encoding of a 32-byte key. A missing directory is created empty.
func (k *Keyring) LoadDir(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return 0, fmt.Errorf("failed to create keys directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read keys directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), KeyFileSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), KeyFileSuffix)
		key, err := readKeyFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn().Err(err).Str("key", name).Msg("skipping unreadable key")
			continue
		}
		if err := k.Add(name, key); err != nil {
			log.Warn().Err(err).Str("key", name).Msg("skipping invalid key")
			continue
		}
		log.Info().Str("key", name).Str("fingerprint", Fingerprint(key)).Msg("key loaded")
		loaded++
	}
	return loaded, nil
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
}

// GenerateKey creates a random key, adds it to the ring and writes it to dir.
func (k *Keyring) GenerateKey(dir, name string) (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	if err := k.Add(name, key); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create keys directory: %w", err)
	}
	path := filepath.Join(dir, name+KeyFileSuffix)
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	return path, nil
}
