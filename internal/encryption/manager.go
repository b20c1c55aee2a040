package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
)

const (
	dataKeySize = 32 // AES-256
	version     = "v1"
	localKeyID  = "local"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidLocalKey  = errors.New("local encryption key must be 32 hex encoded bytes")
)

// KMSAPI is the part of the KMS client the manager uses.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue string `json:"encrypted_value"`
	EncryptedDEK   string `json:"encrypted_dek"`
	KeyID          string `json:"key_id"`
	Version        string `json:"version"`
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// Manager envelope-encrypts PII such as IP addresses before they are stored.
// Data keys come from KMS, or are wrapped with a local key when KMS is off.
// The current data key is reused until keyTTL elapses.
type Manager struct {
	kms    KMSAPI
	keyID  string
	kek    []byte
	keyTTL time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	current   *DataKey
	expiresAt time.Time
	keyCache  sync.Map // encrypted DEK -> plaintext DEK
}

// NewKMSManager uses KMS for data keys.
func NewKMSManager(client KMSAPI, keyID string, keyTTL time.Duration, logger *zap.Logger) *Manager {
	return &Manager{kms: client, keyID: keyID, keyTTL: keyTTL, logger: logger, now: time.Now}
}

// NewLocalManager wraps data keys with a hex encoded 32 byte key. An empty key
// generates an ephemeral one, which only suits development.
func NewLocalManager(hexKey string, keyTTL time.Duration, logger *zap.Logger) (*Manager, error) {
	var kek []byte
	if hexKey == "" {
		kek = make([]byte, dataKeySize)
		if _, err := rand.Read(kek); err != nil {
			return nil, fmt.Errorf("failed to generate local key: %w", err)
		}
		logger.Warn("No local encryption key configured, using an ephemeral key")
	} else {
		var err error
		kek, err = hex.DecodeString(hexKey)
		if err != nil || len(kek) != dataKeySize {
			return nil, ErrInvalidLocalKey
		}
	}
	return &Manager{kek: kek, keyID: localKeyID, keyTTL: keyTTL, logger: logger, now: time.Now}, nil
}

func (m *Manager) dataKey(ctx context.Context) (*DataKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.now().Before(m.expiresAt) {
		return m.current, nil
	}

	var dk *DataKey
	if m.kms != nil {
		out, err := m.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(m.keyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		dk = &DataKey{Plaintext: out.Plaintext, Ciphertext: out.CiphertextBlob, KeyID: m.keyID}
	} else {
		plain := make([]byte, dataKeySize)
		if _, err := rand.Read(plain); err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		wrapped, err := seal(m.kek, plain)
		if err != nil {
			return nil, err
		}
		dk = &DataKey{Plaintext: plain, Ciphertext: wrapped, KeyID: localKeyID}
	}

	m.keyCache.Store(base64.StdEncoding.EncodeToString(dk.Ciphertext), dk.Plaintext)
	m.current = dk
	m.expiresAt = m.now().Add(m.keyTTL)
	m.logger.Debug("Rotated data encryption key", zap.String("key_id", dk.KeyID))
	return dk, nil
}

func (m *Manager) EncryptField(ctx context.Context, plaintext string) (*EncryptedData, error) {
	dk, err := m.dataKey(ctx)
	if err != nil {
		return nil, err
	}
	ciphertext, err := seal(dk.Plaintext, []byte(plaintext))
	if err != nil {
		return nil, err
	}
	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   base64.StdEncoding.EncodeToString(dk.Ciphertext),
		KeyID:          dk.KeyID,
		Version:        version,
	}, nil
}

func (m *Manager) DecryptField(ctx context.Context, data *EncryptedData) (string, error) {
	key, err := m.unwrap(ctx, data.EncryptedDEK)
	if err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	plaintext, err := open(key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (m *Manager) unwrap(ctx context.Context, encryptedDEK string) ([]byte, error) {
	if cached, ok := m.keyCache.Load(encryptedDEK); ok {
		return cached.([]byte), nil
	}
	blob, err := base64.StdEncoding.DecodeString(encryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var key []byte
	if m.kms != nil {
		out, err := m.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		key = out.Plaintext
	} else {
		key, err = open(m.kek, blob)
		if err != nil {
			return nil, err
		}
	}

	m.keyCache.Store(encryptedDEK, key)
	return key, nil
}

// ClearCache drops cached data keys. The next encryption rotates the key.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.keyCache.Range(func(key, _ interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}

func (m *Manager) CacheSize() int {
	count := 0
	m.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
