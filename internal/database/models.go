package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// VaultConfig holds the vault salt and the encrypted check value. The derived
// key itself is never stored.
type VaultConfig struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (VaultConfig) TableName() string { return "vault_config" }

type VaultKey struct {
	ID               string `gorm:"primaryKey;size:36" json:"id"`
	Name             string `gorm:"not null" json:"name"`
	KeyType          string `gorm:"not null" json:"key_type"` // "password" or "key"
	Username         string `json:"username,omitempty"`
	EncryptedContent string `gorm:"not null" json:"-"`
	Salt             string `gorm:"not null" json:"-"`
	Algorithm        string `json:"algorithm,omitempty"`
	CreatedAt        int64  `gorm:"not null" json:"created_at"`
	UpdatedAt        int64  `gorm:"not null" json:"updated_at"`
}

type KeyUsage struct {
	KeyID      string `gorm:"primaryKey;size:36" json:"key_id"`
	ServerID   string `gorm:"primaryKey;size:36" json:"server_id"`
	LastUsedAt int64  `gorm:"not null" json:"last_used_at"`
}

type Server struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	Name              string    `gorm:"not null" json:"name"`
	Host              string    `gorm:"not null" json:"host"`
	Port              int       `gorm:"not null;default:22" json:"port"`
	Username          string    `json:"username"`
	AuthType          string    `gorm:"not null;default:password" json:"auth_type"` // password | key | privateKey
	Password          string    `json:"-"`                                          // Fernet-encrypted
	PrivateKey        string    `json:"-"`                                          // Fernet-encrypted
	Passphrase        string    `json:"-"`                                          // Fernet-encrypted
	PasswordID        string    `json:"password_id,omitempty"`                      // vault reference
	KeyID             string    `json:"key_id,omitempty"`                           // vault reference
	ConnectTimeout    int       `gorm:"not null;default:10" json:"connect_timeout"`
	KeepAliveInterval int       `gorm:"not null;default:60" json:"keep_alive_interval"`
	AutoReconnect     bool      `gorm:"not null;default:false" json:"auto_reconnect"`
	MaxReconnects     int       `gorm:"not null;default:3" json:"max_reconnects"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type AuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"index" json:"session_id"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	Host       string    `json:"host"`
	Username   string    `json:"username"`
	Details    string    `json:"details"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
