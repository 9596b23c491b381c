// Package secrets encrypts configuration secrets and bearer tokens at rest
// with ChaCha20-Poly1305 under a per-installation key.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/clawinfra/clawguard/internal/audit"
	"github.com/clawinfra/clawguard/internal/fsutil"
)

var (
	// ErrCryptoFailure covers every authentication, format and key failure.
	ErrCryptoFailure = errors.New("secrets: crypto failure")
	// ErrForeignCallFault means a platform key-protection call faulted.
	ErrForeignCallFault = errors.New("secrets: foreign call fault")
	// ErrLegacyRejected is returned for legacy envelopes when they are disabled.
	ErrLegacyRejected = errors.New("secrets: legacy envelope rejected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("secrets: store closed")
)

// Options configures Open.
type Options struct {
	// KeyPath is the key file location, usually <data_dir>/.secret_key.
	KeyPath string
	// Protector wraps the key on disk. Nil selects DefaultProtector.
	Protector KeyProtector
	// RejectLegacy refuses to read legacy envelopes.
	RejectLegacy bool
	Logger       *slog.Logger
	Events       audit.Emitter
	// Rand overrides the randomness source.
	Rand io.Reader
}

// Store encrypts and decrypts secret values. It is safe for concurrent use;
// the key is only touched while the store mutex is held.
type Store struct {
	mu           sync.Mutex
	key          *keyBuffer
	keyPath      string
	rejectLegacy bool
	rand         io.Reader
	logger       *slog.Logger
	events       audit.Emitter
}

// Open loads the key file, creating it on first use. A key file with
// permissions broader than 0600 is repaired with a warning. Concurrent first
// opens agree on a single key.
func Open(opts Options) (*Store, error) {
	if opts.KeyPath == "" {
		return nil, errors.New("secrets: key path is empty")
	}
	s := newStore(opts)
	p := opts.Protector
	if p == nil {
		p = DefaultProtector()
	}

	exists, err := keyFileExists(opts.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("secrets: stat key file: %w", err)
	}
	if exists {
		if err := s.CheckKeyFile(); err != nil {
			return nil, err
		}
		kb, err := loadKey(opts.KeyPath, p)
		if err != nil {
			return nil, err
		}
		s.key = kb
		return s, nil
	}

	kb, err := createKey(opts.KeyPath, p, s.rand)
	if errors.Is(err, fs.ErrExist) {
		// Another opener created the key first; use theirs.
		kb, err = loadKey(opts.KeyPath, p)
		if err != nil {
			return nil, err
		}
		s.key = kb
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("generated new secret key", "path", opts.KeyPath, "protector", protectorName(p))
	s.key = kb
	return s, nil
}

// NewWithKey builds a store around an existing key without touching disk.
// key is wiped.
func NewWithKey(key []byte, opts Options) (*Store, error) {
	if len(key) != KeySize {
		Wipe(key)
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrCryptoFailure, KeySize)
	}
	s := newStore(opts)
	s.key = newKeyBuffer(key)
	return s, nil
}

func newStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Store{
		keyPath:      opts.KeyPath,
		rejectLegacy: opts.RejectLegacy,
		rand:         rnd,
		logger:       logger.With("component", "secrets"),
		events:       audit.OrNop(opts.Events),
	}
}

// CheckKeyFile tightens the key file's permissions if they have drifted.
func (s *Store) CheckKeyFile() error {
	if s.keyPath == "" {
		return nil
	}
	repaired, err := fsutil.EnsureOwnerOnly(s.keyPath, s.logger)
	if err != nil {
		return fmt.Errorf("secrets: key file permissions: %w", err)
	}
	if repaired {
		s.events.Emit(context.Background(), audit.Event{
			Kind:      audit.KindPermRepaired,
			Component: "secrets",
			Subject:   s.keyPath,
		})
	}
	return nil
}

// withKey lends the key to fn under the store lock. fn must not retain it.
func (s *Store) withKey(fn func(key []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return ErrClosed
	}
	return fn(s.key.bytes())
}

// Encrypt seals plaintext under a fresh random nonce and returns a current
// envelope.
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrCryptoFailure, err)
	}

	var sealed []byte
	err := s.withKey(func(key []byte) error {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		sealed = aead.Seal(nonce, nonce, plaintext, nil)
		return nil
	})
	if err != nil {
		return "", err
	}
	return PrefixCurrent + hex.EncodeToString(sealed), nil
}

// EncryptString is Encrypt for string values.
func (s *Store) EncryptString(plaintext string) (string, error) {
	b := []byte(plaintext)
	defer Wipe(b)
	return s.Encrypt(b)
}

// Decrypt opens an envelope. Current envelopes are authenticated as a unit:
// any modification yields ErrCryptoFailure and no plaintext. Legacy
// envelopes are accepted unless the store rejects them.
func (s *Store) Decrypt(envelope string) ([]byte, error) {
	switch {
	case strings.HasPrefix(envelope, PrefixCurrent):
		plain, err := s.openCurrent(envelope[len(PrefixCurrent):])
		if err != nil {
			s.events.Emit(context.Background(), audit.Event{
				Kind:      audit.KindCryptoFailure,
				Component: "secrets",
				Reason:    "envelope failed authentication",
			})
			return nil, err
		}
		return plain, nil
	case strings.HasPrefix(envelope, PrefixLegacy):
		if s.rejectLegacy {
			return nil, ErrLegacyRejected
		}
		return s.openLegacy(envelope[len(PrefixLegacy):])
	default:
		return nil, fmt.Errorf("%w: value is not an envelope", ErrCryptoFailure)
	}
}

// DecryptString is Decrypt returning a string.
func (s *Store) DecryptString(envelope string) (string, error) {
	b, err := s.Decrypt(envelope)
	if err != nil {
		return "", err
	}
	defer Wipe(b)
	return string(b), nil
}

// DecryptAndMigrate decrypts envelope and, when it was legacy, returns the
// same plaintext re-sealed as a current envelope. upgraded is empty when no
// migration was needed.
func (s *Store) DecryptAndMigrate(envelope string) (plain []byte, upgraded string, err error) {
	plain, err = s.Decrypt(envelope)
	if err != nil {
		return nil, "", err
	}
	if !NeedsMigration(envelope) {
		return plain, "", nil
	}
	upgraded, err = s.Encrypt(plain)
	if err != nil {
		Wipe(plain)
		return nil, "", err
	}
	s.events.Emit(context.Background(), audit.Event{
		Kind:      audit.KindSecretMigrated,
		Component: "secrets",
		Reason:    "legacy envelope re-sealed",
	})
	return plain, upgraded, nil
}

func (s *Store) openCurrent(body string) ([]byte, error) {
	raw, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrCryptoFailure)
	}
	if len(raw) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: truncated envelope", ErrCryptoFailure)
	}
	nonce, ct := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]

	var plain []byte
	err = s.withKey(func(key []byte) error {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		p, err := aead.Open(nil, nonce, ct, nil)
		if err != nil {
			return fmt.Errorf("%w: authentication failed", ErrCryptoFailure)
		}
		plain = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func (s *Store) openLegacy(body string) ([]byte, error) {
	raw, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed legacy envelope", ErrCryptoFailure)
	}
	err = s.withKey(func(key []byte) error {
		xorKeystream(raw, key)
		return nil
	})
	if err != nil {
		Wipe(raw)
		return nil, err
	}
	return raw, nil
}

// Close wipes the key. Further operations return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		s.key.wipe()
		s.key = nil
	}
	return nil
}
