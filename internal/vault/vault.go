// ABOUTME: Master-password vault guarding gateway credentials and the lock state
// ABOUTME: Derives an argon2id key and seals credentials with XChaCha20-Poly1305

package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Vault errors.
var (
	// ErrLocked means a credential operation was attempted while locked.
	ErrLocked = errors.New("vault is locked")

	// ErrWrongPassword means the master password did not verify.
	ErrWrongPassword = errors.New("wrong master password")

	// ErrNotInitialized means no vault file exists yet.
	ErrNotInitialized = errors.New("vault not initialized")

	// ErrAlreadyInitialized means Init was called on an existing vault.
	ErrAlreadyInitialized = errors.New("vault already initialized")
)

// verifier is the known plaintext sealed at Init and checked at Unlock.
const verifier = "coven-desk-vault-v1"

// Params are the argon2id cost parameters. Zero values take the defaults;
// tests lower them to keep key derivation fast.
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

func (p Params) withDefaults() Params {
	if p.Time == 0 {
		p.Time = 1
	}
	if p.MemoryKiB == 0 {
		p.MemoryKiB = 64 * 1024
	}
	if p.Threads == 0 {
		p.Threads = 4
	}
	return p
}

// vaultFile is the on-disk representation: the KDF salt and the sealed
// verifier. Credentials themselves live elsewhere (the server store).
type vaultFile struct {
	Version   int    `json:"version"`
	Salt      string `json:"salt"`
	Check     string `json:"check"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memoryKiB"`
	Threads   uint8  `json:"threads"`
}

// Vault holds the application lock state and the in-memory key while
// unlocked. The key never touches disk; locking discards it.
type Vault struct {
	path   string
	params Params
	logger *slog.Logger

	mu        sync.Mutex
	key       []byte
	listeners []func()
}

// New creates a Vault backed by the file at path. The vault starts
// locked; no I/O happens until Init or Unlock.
func New(path string, params Params, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		path:   path,
		params: params.withDefaults(),
		logger: logger.With("component", "vault"),
	}
}

// Init creates the vault file for a new master password and leaves the
// vault unlocked.
func (v *Vault) Init(password string) error {
	if _, err := os.Stat(v.path); err == nil {
		return ErrAlreadyInitialized
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	key := v.deriveKey(password, salt)
	check, err := seal(key, []byte(verifier))
	if err != nil {
		return fmt.Errorf("sealing verifier: %w", err)
	}

	file := vaultFile{
		Version:   1,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Check:     check,
		Time:      v.params.Time,
		MemoryKiB: v.params.MemoryKiB,
		Threads:   v.params.Threads,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding vault file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return fmt.Errorf("creating vault directory: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0600); err != nil {
		return fmt.Errorf("writing vault file: %w", err)
	}

	v.mu.Lock()
	v.key = key
	listeners := append([]func(){}, v.listeners...)
	v.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}

	v.logger.Info("vault initialized", "path", v.path)
	return nil
}

// Unlock verifies the master password and, on success, transitions the
// application out of the locked state and fires the unlock listeners.
func (v *Vault) Unlock(password string) error {
	file, err := v.load()
	if err != nil {
		return err
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}

	params := Params{Time: file.Time, MemoryKiB: file.MemoryKiB, Threads: file.Threads}.withDefaults()
	key := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Threads, chacha20poly1305.KeySize)

	plain, err := open(key, file.Check)
	if err != nil || string(plain) != verifier {
		return ErrWrongPassword
	}

	v.mu.Lock()
	wasLocked := v.key == nil
	v.key = key
	listeners := append([]func(){}, v.listeners...)
	v.mu.Unlock()

	if wasLocked {
		for _, fn := range listeners {
			fn()
		}
	}

	v.logger.Info("vault unlocked")
	return nil
}

// Lock discards the in-memory key. Credential operations fail until the
// next Unlock.
func (v *Vault) Lock() {
	v.mu.Lock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.mu.Unlock()
	v.logger.Info("vault locked")
}

// Locked reports whether the application is in the locked state.
func (v *Vault) Locked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key == nil
}

// Initialized reports whether a vault file exists.
func (v *Vault) Initialized() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// OnUnlock registers a listener fired on every locked-to-unlocked
// transition. Returns the deregistration function.
func (v *Vault) OnUnlock(fn func()) func() {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	idx := len(v.listeners) - 1
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if idx < len(v.listeners) {
			v.listeners[idx] = func() {}
		}
	}
}

// EncryptCredential seals a plaintext credential for persistence.
func (v *Vault) EncryptCredential(plaintext string) (string, error) {
	key, err := v.currentKey()
	if err != nil {
		return "", err
	}
	return seal(key, []byte(plaintext))
}

// DecryptCredential opens a sealed credential. The result lives only in
// memory, supplied to the transport at connect time.
func (v *Vault) DecryptCredential(encrypted string) (string, error) {
	key, err := v.currentKey()
	if err != nil {
		return "", err
	}
	plain, err := open(key, encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypting credential: %w", err)
	}
	return string(plain), nil
}

func (v *Vault) currentKey() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, ErrLocked
	}
	key := make([]byte, len(v.key))
	copy(key, v.key)
	return key, nil
}

func (v *Vault) deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt,
		v.params.Time, v.params.MemoryKiB, v.params.Threads, chacha20poly1305.KeySize)
}

func (v *Vault) load() (*vaultFile, error) {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}
	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing vault file: %w", err)
	}
	return &file, nil
}

// seal encrypts plaintext with a random nonce and returns
// base64(nonce || ciphertext).
func seal(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open reverses seal.
func open(key []byte, encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
