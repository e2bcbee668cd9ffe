package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shellport/shellport/internal/database"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "vault.db"))
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

func newInitialized(t *testing.T, pass string) (*Vault, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	v := New(db)
	if err := v.Init(pass); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return v, db
}

func TestStatusLifecycle(t *testing.T) {
	db := setupTestDB(t)
	v := New(db)

	st, err := v.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.Initialized || !st.Locked {
		t.Fatalf("fresh vault status = %+v", st)
	}

	if err := v.Init("correct horse"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	st, _ = v.Status()
	if !st.Initialized || st.Locked {
		t.Fatalf("after init status = %+v", st)
	}

	v.Lock()
	st, _ = v.Status()
	if !st.Initialized || !st.Locked {
		t.Fatalf("after lock status = %+v", st)
	}
}

func TestInitTwiceRejected(t *testing.T) {
	v, _ := newInitialized(t, "pw")
	if err := v.Init("other"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestConcurrentInitOnlyOneWins(t *testing.T) {
	db := setupTestDB(t)
	v := New(db)

	const n = 6
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = v.Init(fmt.Sprintf("pass-%d", i))
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner >= 0 {
				t.Fatalf("Init succeeded for both %d and %d", winner, i)
			}
			winner = i
		case !errors.Is(err, ErrAlreadyInitialized):
			t.Errorf("Init %d: unexpected error %v", i, err)
		}
	}
	if winner < 0 {
		t.Fatal("no Init succeeded")
	}

	// The key held in memory must match the stored salt and check value.
	id, err := v.Add(NewSecret{Name: "k", KeyType: "password", Content: []byte("x")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	other := New(db)
	ok, err := other.Unlock(fmt.Sprintf("pass-%d", winner))
	if !ok || err != nil {
		t.Fatalf("winning passphrase rejected: %v, %v", ok, err)
	}
	if got, err := other.Get(id); err != nil || string(got) != "x" {
		t.Errorf("Get = %q, %v", got, err)
	}
}

func TestInitDoesNotOverwriteExistingConfig(t *testing.T) {
	v, db := newInitialized(t, "first")
	fresh := New(db)
	if err := fresh.Init("second"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init = %v", err)
	}
	if fresh.IsUnlocked() {
		t.Error("rejected Init left the vault unlocked")
	}
	v.Lock()
	if ok, _ := v.Unlock("first"); !ok {
		t.Error("original passphrase stopped working")
	}
}

func TestUnlockNotInitialized(t *testing.T) {
	v := New(setupTestDB(t))
	ok, err := v.Unlock("pw")
	if ok || !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Unlock on empty vault = %v, %v", ok, err)
	}
}

func TestUnlockRightAndWrongPassphrase(t *testing.T) {
	v, db := newInitialized(t, "master-pass")
	id, err := v.Add(NewSecret{Name: "prod", KeyType: "password", Content: []byte("hunter2")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	v.Lock()

	// A second process sees the same tables but starts locked.
	v2 := New(db)

	ok, err := v2.Unlock("wrong-pass")
	if err != nil {
		t.Fatalf("Unlock wrong: unexpected error %v", err)
	}
	if ok {
		t.Fatal("Unlock with wrong passphrase returned true")
	}
	if _, err := v2.Get(id); !errors.Is(err, ErrLocked) {
		t.Fatalf("Get while locked: expected ErrLocked, got %v", err)
	}

	ok, err = v2.Unlock("master-pass")
	if err != nil || !ok {
		t.Fatalf("Unlock right = %v, %v", ok, err)
	}
	got, err := v2.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("Get = %q", got)
	}
}

func TestAddGetRoundTripArbitraryBytes(t *testing.T) {
	v, _ := newInitialized(t, "pw")

	sizes := []int{0, 1, 31, 512, 4096}
	for _, n := range sizes {
		content := make([]byte, n)
		if _, err := rand.Read(content); err != nil {
			t.Fatal(err)
		}
		id, err := v.Add(NewSecret{Name: "blob", KeyType: "key", Content: content})
		if err != nil {
			t.Fatalf("Add(%d bytes): %v", n, err)
		}
		got, err := v.Get(id)
		if err != nil {
			t.Fatalf("Get(%d bytes): %v", n, err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("round trip mismatch for %d bytes", n)
		}
	}
}

func TestFreshNoncePerEncryption(t *testing.T) {
	v, db := newInitialized(t, "pw")
	id1, _ := v.Add(NewSecret{Name: "a", KeyType: "password", Content: []byte("same")})
	id2, _ := v.Add(NewSecret{Name: "b", KeyType: "password", Content: []byte("same")})

	var k1, k2 database.VaultKey
	db.First(&k1, "id = ?", id1)
	db.First(&k2, "id = ?", id2)
	if k1.EncryptedContent == k2.EncryptedContent {
		t.Error("identical plaintexts produced identical ciphertexts")
	}
	if strings.Contains(k1.EncryptedContent, "same") {
		t.Error("ciphertext contains plaintext")
	}
}

func TestGetMissingAndTampered(t *testing.T) {
	v, db := newInitialized(t, "pw")

	if _, err := v.Get("does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	id, _ := v.Add(NewSecret{Name: "x", KeyType: "password", Content: []byte("data")})
	var row database.VaultKey
	db.First(&row, "id = ?", id)

	var sb sealedBlob
	if err := json.Unmarshal([]byte(row.EncryptedContent), &sb); err != nil {
		t.Fatal(err)
	}
	data, _ := base64.StdEncoding.DecodeString(sb.Data)
	data[0] ^= 0xff
	sb.Data = base64.StdEncoding.EncodeToString(data)
	out, _ := json.Marshal(sb)
	tampered := string(out)
	db.Model(&database.VaultKey{}).Where("id = ?", id).Update("encrypted_content", tampered)

	if _, err := v.Get(id); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt, got %v", err)
	}
}

func TestUpdateReplacesContent(t *testing.T) {
	v, _ := newInitialized(t, "pw")
	id, _ := v.Add(NewSecret{Name: "x", KeyType: "password", Content: []byte("v1")})

	if err := v.Update(id, NewSecret{Name: "x2", KeyType: "password", Content: []byte("v2")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := v.Get(id)
	if string(got) != "v2" {
		t.Errorf("Get after update = %q", got)
	}
	if err := v.Update("missing", NewSecret{Content: []byte("z")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update missing: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesUsages(t *testing.T) {
	v, db := newInitialized(t, "pw")
	id, _ := v.Add(NewSecret{Name: "k", KeyType: "key", Content: []byte("pem")})
	other, _ := v.Add(NewSecret{Name: "k2", KeyType: "key", Content: []byte("pem2")})

	if err := v.RecordUsage(id, "srv-1"); err != nil {
		t.Fatal(err)
	}
	if err := v.RecordUsage(other, "srv-1"); err != nil {
		t.Fatal(err)
	}

	if err := v.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var count int64
	db.Model(&database.KeyUsage{}).Where("key_id = ?", id).Count(&count)
	if count != 0 {
		t.Errorf("usages left for deleted key: %d", count)
	}
	db.Model(&database.KeyUsage{}).Where("key_id = ?", other).Count(&count)
	if count != 1 {
		t.Errorf("usages for other key = %d, want 1", count)
	}
	if err := v.Delete(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}
}

func TestLockedOperationsFailFast(t *testing.T) {
	v, _ := newInitialized(t, "pw")
	v.Lock()

	if _, err := v.Add(NewSecret{Name: "x", Content: []byte("y")}); !errors.Is(err, ErrLocked) {
		t.Errorf("Add locked: %v", err)
	}
	if err := v.Delete("x"); !errors.Is(err, ErrLocked) {
		t.Errorf("Delete locked: %v", err)
	}
	if err := v.Update("x", NewSecret{}); !errors.Is(err, ErrLocked) {
		t.Errorf("Update locked: %v", err)
	}
}

func TestListWithLatestUsage(t *testing.T) {
	v, db := newInitialized(t, "pw")
	now := time.Unix(1_700_000_000, 0)
	v.SetNowFunc(func() time.Time { return now })

	id, _ := v.Add(NewSecret{Name: "deploy", KeyType: "key", Username: "root", Content: []byte("k")})
	v.RecordUsage(id, "srv-a")
	now = now.Add(time.Hour)
	v.RecordUsage(id, "srv-b")
	now = now.Add(time.Hour)
	v.RecordUsage(id, "srv-a")

	db.Create(&database.Server{ID: "srv-a", Name: "alpha", Host: "a", KeyID: id})
	db.Create(&database.Server{ID: "srv-c", Name: "gamma", Host: "c", PasswordID: id})

	v.Lock()
	list, err := v.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List len = %d", len(list))
	}
	if list[0].LastUsedServer != "srv-a" || list[0].LastUsedAt != now.Unix() {
		t.Errorf("latest usage = %s@%d", list[0].LastUsedServer, list[0].LastUsedAt)
	}

	names, err := v.Associations(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "gamma" {
		t.Errorf("Associations = %v", names)
	}
}
