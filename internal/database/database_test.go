package database

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// setupTestDB creates a file-backed SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestServerDefaults(t *testing.T) {
	db := setupTestDB(t)

	srv := Server{ID: "srv-1", Name: "web", Host: "10.0.0.5"}
	if err := db.Create(&srv).Error; err != nil {
		t.Fatalf("create server: %v", err)
	}

	loaded, err := GetServer(db, "srv-1")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if loaded.Port != 22 {
		t.Errorf("expected Port default 22, got %d", loaded.Port)
	}
	if loaded.ConnectTimeout != 10 {
		t.Errorf("expected ConnectTimeout default 10, got %d", loaded.ConnectTimeout)
	}
	if loaded.KeepAliveInterval != 60 {
		t.Errorf("expected KeepAliveInterval default 60, got %d", loaded.KeepAliveInterval)
	}
	if loaded.MaxReconnects != 3 {
		t.Errorf("expected MaxReconnects default 3, got %d", loaded.MaxReconnects)
	}
	if loaded.AuthType != "password" {
		t.Errorf("expected AuthType default password, got %q", loaded.AuthType)
	}
}

func TestGetServerNotFound(t *testing.T) {
	db := setupTestDB(t)
	if _, err := GetServer(db, "nope"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
}

func TestSaveAndListServers(t *testing.T) {
	db := setupTestDB(t)

	for _, s := range []Server{
		{ID: "b", Name: "beta", Host: "b.example"},
		{ID: "a", Name: "alpha", Host: "a.example", Port: 2222},
	} {
		s := s
		if err := SaveServer(db, &s); err != nil {
			t.Fatalf("SaveServer %s: %v", s.ID, err)
		}
	}

	servers, err := ListServers(db)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 2 || servers[0].Name != "alpha" || servers[1].Name != "beta" {
		t.Fatalf("unexpected order: %+v", servers)
	}

	servers[0].Host = "a2.example"
	if err := SaveServer(db, &servers[0]); err != nil {
		t.Fatalf("SaveServer update: %v", err)
	}
	loaded, _ := GetServer(db, "a")
	if loaded.Host != "a2.example" || loaded.Port != 2222 {
		t.Errorf("update not applied: %+v", loaded)
	}
}

func TestDeleteServerRemovesUsages(t *testing.T) {
	db := setupTestDB(t)

	if err := db.Create(&Server{ID: "s1", Name: "one", Host: "h"}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&KeyUsage{KeyID: "k1", ServerID: "s1", LastUsedAt: 1}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&KeyUsage{KeyID: "k1", ServerID: "s2", LastUsedAt: 1}).Error; err != nil {
		t.Fatal(err)
	}

	if err := DeleteServer(db, "s1"); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}

	var count int64
	db.Model(&KeyUsage{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 remaining usage, got %d", count)
	}
	if _, err := GetServer(db, "s1"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("server still present: %v", err)
	}
}

func TestSettings(t *testing.T) {
	DB = setupTestDB(t)

	if _, err := GetSetting("fernet_key"); err == nil {
		t.Fatal("expected error for missing setting")
	}
	if err := SetSetting("fernet_key", "v1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := SetSetting("fernet_key", "v2"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := GetSetting("fernet_key")
	if err != nil || v != "v2" {
		t.Errorf("GetSetting = %q, %v", v, err)
	}
}

func TestServerSecretsNotInJSON(t *testing.T) {
	srv := Server{
		ID:         "s",
		Name:       "json",
		Password:   "gAAAAA-encrypted",
		PrivateKey: "gAAAAA-key",
		Passphrase: "gAAAAA-pass",
	}

	data, err := json.Marshal(srv)
	if err != nil {
		t.Fatalf("marshal server: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, field := range []string{"Password", "password", "PrivateKey", "private_key", "Passphrase", "passphrase"} {
		if _, ok := m[field]; ok {
			t.Errorf("%s should not appear in JSON output", field)
		}
	}
	if m["name"] != "json" {
		t.Errorf("expected name in JSON, got %v", m["name"])
	}
}

func TestVaultKeyContentNotInJSON(t *testing.T) {
	data, err := json.Marshal(VaultKey{ID: "k", Name: "deploy", EncryptedContent: "secret", Salt: "salt"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	if _, ok := m["EncryptedContent"]; ok {
		t.Error("EncryptedContent should not appear in JSON output")
	}
	if _, ok := m["Salt"]; ok {
		t.Error("Salt should not appear in JSON output")
	}
}
