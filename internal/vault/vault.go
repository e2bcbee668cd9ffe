// Package vault is the local secret store. Secrets are sealed with AES-256-GCM
// under a key derived from the master passphrase with PBKDF2-HMAC-SHA256.
//
// Only the salt and an encrypted check value are persisted. The derived key
// lives in process memory between Unlock (or Init) and Lock, so every
// restart starts locked.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shellport/shellport/internal/database"
	"github.com/shellport/shellport/internal/logutil"
	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"
)

const (
	// Iterations is the PBKDF2 work factor.
	Iterations = 100_000
	saltSize   = 16
	keySize    = 32

	checkPlaintext = "VALID_PASSWORD_CHECK"

	configSalt  = "vault_salt"
	configCheck = "auth_check"
)

var (
	ErrAlreadyInitialized = errors.New("Vault is already initialized")
	ErrNotInitialized     = errors.New("Vault not initialized")
	ErrLocked             = errors.New("VAULT_LOCKED: Please unlock the vault first.")
	ErrNotFound           = errors.New("Secret not found")
	ErrDecrypt            = errors.New("Decryption failed")
)

// Status reports vault state without touching any secret.
type Status struct {
	Initialized bool `json:"initialized"`
	Locked      bool `json:"locked"`
}

// Vault guards the derived key and the vault tables.
type Vault struct {
	db     *gorm.DB
	initMu sync.Mutex
	mu     sync.RWMutex
	key    *[keySize]byte
	nowFn  func() time.Time
}

// New creates a locked vault backed by db.
func New(db *gorm.DB) *Vault {
	return &Vault{db: db, nowFn: time.Now}
}

// SetNowFunc sets the clock used for timestamps. For tests.
func (v *Vault) SetNowFunc(fn func() time.Time) {
	v.nowFn = fn
}

func (v *Vault) configValue(key string) (string, error) {
	var row database.VaultConfig
	err := v.db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read vault config %s: %w", key, err)
	}
	return row.Value, nil
}

// Status returns whether the vault has been initialized and whether a key is
// currently held in memory.
func (v *Vault) Status() (Status, error) {
	salt, err := v.configValue(configSalt)
	if err != nil {
		return Status{}, err
	}
	check, err := v.configValue(configCheck)
	if err != nil {
		return Status{}, err
	}
	v.mu.RLock()
	locked := v.key == nil
	v.mu.RUnlock()
	return Status{Initialized: salt != "" && check != "", Locked: locked}, nil
}

// Init creates the vault with the given passphrase and leaves it unlocked.
// Only one Init can succeed: the check and the insert share a transaction
// and the config rows are created, never overwritten.
func (v *Vault) Init(passphrase string) error {
	v.initMu.Lock()
	defer v.initMu.Unlock()

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key := deriveKey(passphrase, salt)

	check, err := seal(key, []byte(checkPlaintext))
	if err != nil {
		return err
	}

	err = v.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&database.VaultConfig{}).
			Where("key IN ?", []string{configSalt, configCheck}).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyInitialized
		}
		rows := []database.VaultConfig{
			{Key: configSalt, Value: base64.StdEncoding.EncodeToString(salt)},
			{Key: configCheck, Value: check},
		}
		return tx.Create(&rows).Error
	})
	if errors.Is(err, ErrAlreadyInitialized) {
		return err
	}
	if err != nil {
		// A concurrent Init from another process wins the primary key race.
		if st, stErr := v.Status(); stErr == nil && st.Initialized {
			return ErrAlreadyInitialized
		}
		return fmt.Errorf("persist vault config: %w", err)
	}

	v.mu.Lock()
	v.key = key
	v.mu.Unlock()
	log.Printf("[vault] initialized")
	return nil
}

// Unlock derives the key from passphrase and verifies it against the stored
// check value. A wrong passphrase returns false with a nil error; errors are
// reserved for storage problems and an uninitialized vault.
func (v *Vault) Unlock(passphrase string) (bool, error) {
	saltB64, err := v.configValue(configSalt)
	if err != nil {
		return false, err
	}
	check, err := v.configValue(configCheck)
	if err != nil {
		return false, err
	}
	if saltB64 == "" || check == "" {
		return false, ErrNotInitialized
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("decode vault salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	plain, err := open(key, check)
	if err != nil || subtle.ConstantTimeCompare(plain, []byte(checkPlaintext)) != 1 {
		log.Printf("[vault] unlock rejected")
		return false, nil
	}

	v.mu.Lock()
	v.key = key
	v.mu.Unlock()
	log.Printf("[vault] unlocked")
	return true, nil
}

// Lock forgets the derived key.
func (v *Vault) Lock() {
	v.mu.Lock()
	if v.key != nil {
		for i := range v.key {
			v.key[i] = 0
		}
	}
	v.key = nil
	v.mu.Unlock()
	log.Printf("[vault] locked")
}

// IsUnlocked reports whether a derived key is currently cached.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// currentKey returns a copy of the cached key or ErrLocked.
func (v *Vault) currentKey() (*[keySize]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrLocked
	}
	k := *v.key
	return &k, nil
}

// NewSecret is the input to Add and Update.
type NewSecret struct {
	Name      string
	KeyType   string // "password" or "key"
	Username  string
	Algorithm string
	Content   []byte
}

// Add encrypts and stores a new secret, returning its generated id.
func (v *Vault) Add(s NewSecret) (string, error) {
	key, err := v.currentKey()
	if err != nil {
		return "", err
	}
	salt, err := v.configValue(configSalt)
	if err != nil {
		return "", err
	}
	blob, err := seal(key, s.Content)
	if err != nil {
		return "", err
	}

	now := v.nowFn().Unix()
	row := database.VaultKey{
		ID:               uuid.NewString(),
		Name:             s.Name,
		KeyType:          s.KeyType,
		Username:         s.Username,
		EncryptedContent: blob,
		Salt:             salt,
		Algorithm:        s.Algorithm,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := v.db.Create(&row).Error; err != nil {
		return "", fmt.Errorf("store secret: %w", err)
	}
	log.Printf("[vault] added %s secret %s (%s)", row.KeyType, row.ID, logutil.SanitizeForLog(row.Name))
	return row.ID, nil
}

// Update replaces the content and metadata of an existing secret.
func (v *Vault) Update(id string, s NewSecret) error {
	key, err := v.currentKey()
	if err != nil {
		return err
	}
	blob, err := seal(key, s.Content)
	if err != nil {
		return err
	}
	res := v.db.Model(&database.VaultKey{}).Where("id = ?", id).Updates(map[string]interface{}{
		"name":              s.Name,
		"key_type":          s.KeyType,
		"username":          s.Username,
		"algorithm":         s.Algorithm,
		"encrypted_content": blob,
		"updated_at":        v.nowFn().Unix(),
	})
	if res.Error != nil {
		return fmt.Errorf("update secret: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get decrypts the secret with the given id.
func (v *Vault) Get(id string) ([]byte, error) {
	key, err := v.currentKey()
	if err != nil {
		return nil, err
	}
	var row database.VaultKey
	if err := v.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load secret: %w", err)
	}
	plain, err := open(key, row.EncryptedContent)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Delete removes a secret and every usage row referencing it.
func (v *Vault) Delete(id string) error {
	if _, err := v.currentKey(); err != nil {
		return err
	}
	err := v.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key_id = ?", id).Delete(&database.KeyUsage{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&database.VaultKey{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[vault] deleted secret %s", logutil.SanitizeForLog(id))
	return nil
}

func deriveKey(passphrase string, salt []byte) *[keySize]byte {
	var key [keySize]byte
	copy(key[:], pbkdf2.Key([]byte(passphrase), salt, Iterations, keySize, sha256.New))
	return &key
}

type sealedBlob struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

func seal(key *[keySize]byte, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out, err := json.Marshal(sealedBlob{
		IV:   base64.StdEncoding.EncodeToString(nonce),
		Data: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	})
	if err != nil {
		return "", fmt.Errorf("encode sealed blob: %w", err)
	}
	return string(out), nil
}

func open(key *[keySize]byte, blob string) ([]byte, error) {
	var sb sealedBlob
	if err := json.Unmarshal([]byte(blob), &sb); err != nil {
		return nil, fmt.Errorf("decode sealed blob: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sb.IV)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(sb.Data)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecrypt
	}
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func newGCM(key *[keySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
