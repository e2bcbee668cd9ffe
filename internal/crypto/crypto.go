package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/shellport/shellport/internal/database"
	"gorm.io/gorm"
)

const settingKey = "fernet_key"

var ErrInvalidToken = errors.New("decrypt: invalid token")

var (
	keyMu     sync.Mutex
	cachedKey *fernet.Key
)

func getKey() (*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()
	if cachedKey != nil {
		return cachedKey, nil
	}

	keyStr, err := database.GetSetting(settingKey)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(settingKey, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		cachedKey = &k
		return cachedKey, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	cachedKey = key
	return key, nil
}

// ResetKeyCache drops the in-memory key so the next call reloads it from the
// settings table. Used when database.DB is swapped.
func ResetKeyCache() {
	keyMu.Lock()
	cachedKey = nil
	keyMu.Unlock()
}

// Encrypt seals a secret stored inline on a server row. Empty input stays empty.
func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}
