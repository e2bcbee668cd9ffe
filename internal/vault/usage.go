package vault

import (
	"fmt"

	"github.com/shellport/shellport/internal/database"
	"gorm.io/gorm/clause"
)

// KeySummary is a vault entry without its content, plus the most recent use.
type KeySummary struct {
	database.VaultKey
	LastUsedAt     int64  `json:"last_used_at,omitempty"`
	LastUsedServer string `json:"last_used_server,omitempty"`
}

// List returns metadata for all secrets, newest first. It does not require the
// vault to be unlocked since no content is decrypted.
func (v *Vault) List() ([]KeySummary, error) {
	var keys []database.VaultKey
	if err := v.db.Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}

	var usages []database.KeyUsage
	if err := v.db.Order("last_used_at DESC").Find(&usages).Error; err != nil {
		return nil, fmt.Errorf("list key usages: %w", err)
	}
	latest := make(map[string]database.KeyUsage, len(usages))
	for _, u := range usages {
		if _, ok := latest[u.KeyID]; !ok {
			latest[u.KeyID] = u
		}
	}

	out := make([]KeySummary, len(keys))
	for i, k := range keys {
		out[i] = KeySummary{VaultKey: k}
		if u, ok := latest[k.ID]; ok {
			out[i].LastUsedAt = u.LastUsedAt
			out[i].LastUsedServer = u.ServerID
		}
	}
	return out, nil
}

// RecordUsage upserts the last-used timestamp for a key on a server.
func (v *Vault) RecordUsage(keyID, serverID string) error {
	row := database.KeyUsage{KeyID: keyID, ServerID: serverID, LastUsedAt: v.nowFn().Unix()}
	err := v.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}, {Name: "server_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_used_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record key usage: %w", err)
	}
	return nil
}

// Associations returns the names of servers that reference keyID either as a
// key or as a stored password.
func (v *Vault) Associations(keyID string) ([]string, error) {
	var names []string
	err := v.db.Model(&database.Server{}).
		Where("key_id = ? OR password_id = ?", keyID, keyID).
		Order("name ASC").
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("check key associations: %w", err)
	}
	return names, nil
}
