// Package credentials implements the encrypted store for sensitive values
// such as OAuth2 client secrets and protocol passwords. Values are sealed
// with AES-256-GCM under a key derived from the process master secret via
// scrypt, and handed out as scoped handles that zeroise their plaintext on
// release. Only ciphertext ever reaches disk.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownCredential is returned for names that are not in the store.
	ErrUnknownCredential = errors.New("unknown credential")
	// ErrStoreLocked is returned when no master secret has been loaded.
	ErrStoreLocked = errors.New("credential store locked")
	// ErrCorrupt is returned when the authentication tag does not verify.
	// The message never carries ciphertext or key material.
	ErrCorrupt = errors.New("credential store corrupt")
)

const (
	saltFile  = "salt"
	storeFile = "credentials.enc"
	saltSize  = 16

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// MasterSecret wraps the process-wide passphrase. It is loaded once at
// start and wiped at shutdown.
type MasterSecret struct {
	mu  sync.Mutex
	buf []byte
}

// NewMasterSecret copies the passphrase into a wipeable buffer. The caller
// should discard its own copy.
func NewMasterSecret(secret string) *MasterSecret {
	return &MasterSecret{buf: []byte(secret)}
}

// Destroy zeroises the passphrase. The secret is unusable afterwards.
func (m *MasterSecret) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	Zero(m.buf)
	m.buf = nil
}

func (m *MasterSecret) bytes() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf == nil {
		return nil, ErrStoreLocked
	}
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out, nil
}

// Zero overwrites a byte slice in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Handle is a scoped view of one decrypted credential. Release wipes the
// plaintext; every exit path that obtained a Handle must call it.
type Handle struct {
	mu        sync.Mutex
	name      string
	plaintext []byte
	released  bool
}

// Name returns the credential name the handle was opened for.
func (h *Handle) Name() string { return h.name }

// Bytes exposes the plaintext. The returned slice aliases the handle's
// buffer and becomes invalid after Release.
func (h *Handle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	return h.plaintext
}

// String returns the plaintext as a string. Empty after Release.
func (h *Handle) String() string { return string(h.Bytes()) }

// Release zeroises the plaintext buffer. Safe to call more than once.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	Zero(h.plaintext)
	h.plaintext = nil
	h.released = true
}

// Store is the encrypted credential store. All operations are safe for
// concurrent use; writes are serialised through the control surface in
// practice but the store does not rely on that.
type Store struct {
	mu     sync.RWMutex
	dir    string
	master *MasterSecret
	key    []byte // scrypt-derived, wiped on Close
	salt   []byte
	values map[string][]byte // name -> plaintext, wiped on Close
}

// Open loads (or initialises) the store in stateDir using the given master
// secret. A missing ciphertext file yields an empty unlocked store; a
// ciphertext that fails authentication yields ErrCorrupt.
func Open(stateDir string, master *MasterSecret) (*Store, error) {
	if master == nil {
		return nil, ErrStoreLocked
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	s := &Store{
		dir:    stateDir,
		master: master,
		values: make(map[string][]byte),
	}
	if err := s.loadSalt(); err != nil {
		return nil, err
	}
	if err := s.deriveKey(); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSalt() error {
	path := filepath.Join(s.dir, saltFile)
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltSize {
		s.salt = salt
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return fmt.Errorf("failed to write salt: %w", err)
	}
	s.salt = salt
	return nil
}

func (s *Store) deriveKey() error {
	secret, err := s.master.bytes()
	if err != nil {
		return err
	}
	defer Zero(secret)

	key, err := scrypt.Key(secret, s.salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}
	s.key = key
	return nil
}

func (s *Store) load() error {
	path := filepath.Join(s.dir, storeFile)
	sealed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read credential store: %w", err)
	}

	plain, err := Decrypt(s.key, sealed)
	if err != nil {
		return ErrCorrupt
	}
	defer Zero(plain)

	var decoded map[string]string
	if err := yaml.Unmarshal(plain, &decoded); err != nil {
		return ErrCorrupt
	}
	for name, value := range decoded {
		s.values[name] = []byte(value)
	}
	return nil
}

func (s *Store) persist() error {
	decoded := make(map[string]string, len(s.values))
	for name, value := range s.values {
		decoded[name] = string(value)
	}
	plain, err := yaml.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("failed to encode credential store: %w", err)
	}
	defer Zero(plain)

	sealed, err := Encrypt(s.key, plain)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, storeFile)
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	return nil
}

// Put stores or replaces a credential and persists the ciphertext.
func (s *Store) Put(name, plaintext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return ErrStoreLocked
	}
	if old, ok := s.values[name]; ok {
		Zero(old)
	}
	s.values[name] = []byte(plaintext)
	return s.persist()
}

// Get returns a scoped handle for the named credential.
func (s *Store) Get(name string) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrStoreLocked
	}
	value, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCredential, name)
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return &Handle{name: name, plaintext: buf}, nil
}

// Has reports whether a credential with the given name exists.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[name]
	return ok
}

// List returns the stored credential names, sorted.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Delete removes a credential, zeroises its in-memory plaintext and
// persists the store.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return ErrStoreLocked
	}
	value, ok := s.values[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCredential, name)
	}
	Zero(value)
	delete(s.values, name)
	return s.persist()
}

// Rotate re-encrypts the store under a new master secret with a fresh
// salt. The old secret remains the caller's to destroy.
func (s *Store) Rotate(newMaster *MasterSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return ErrStoreLocked
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	secret, err := newMaster.bytes()
	if err != nil {
		return err
	}
	defer Zero(secret)
	key, err := scrypt.Key(secret, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}

	Zero(s.key)
	s.key = key
	s.salt = salt
	s.master = newMaster
	if err := os.WriteFile(filepath.Join(s.dir, saltFile), salt, 0600); err != nil {
		return fmt.Errorf("failed to write salt: %w", err)
	}
	return s.persist()
}

// Key returns the derived encryption key for components that share the
// master secret, such as the spool. The slice must not be retained past
// Close.
func (s *Store) Key() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrStoreLocked
	}
	return s.key, nil
}

// Close wipes the derived key and all in-memory plaintext.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Zero(s.key)
	s.key = nil
	for _, value := range s.values {
		Zero(value)
	}
	s.values = make(map[string][]byte)
}

// Encrypt seals plaintext with AES-256-GCM. The random nonce is prepended
// to the ciphertext, matching the layout produced for all state files.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aesGCM.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed AES-256-GCM ciphertext.
func Decrypt(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := aesGCM.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	return aesGCM.Open(nil, nonce, ct, nil)
}
