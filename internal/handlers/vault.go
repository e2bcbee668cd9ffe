package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shellport/shellport/internal/audit"
	"github.com/shellport/shellport/internal/vault"
)

type passphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

// keyRequest adds or replaces a vault secret. A passphrase given with a
// private key is stored next to it as {"val": ..., "pass": ...}.
type keyRequest struct {
	Name       string `json:"name"`
	KeyType    string `json:"key_type"`
	Content    string `json:"content"`
	Passphrase string `json:"passphrase"`
	Username   string `json:"username"`
	Algorithm  string `json:"algorithm"`
}

func (k keyRequest) secret() (vault.NewSecret, error) {
	content := []byte(k.Content)
	if k.KeyType == "key" && k.Passphrase != "" {
		var err error
		content, err = json.Marshal(map[string]string{"val": k.Content, "pass": k.Passphrase})
		if err != nil {
			return vault.NewSecret{}, err
		}
	}
	return vault.NewSecret{
		Name:      k.Name,
		KeyType:   k.KeyType,
		Username:  k.Username,
		Algorithm: k.Algorithm,
		Content:   content,
	}, nil
}

func (k keyRequest) valid() bool {
	return strings.TrimSpace(k.Name) != "" && k.Content != "" &&
		(k.KeyType == "password" || k.KeyType == "key")
}

func vaultReady(w http.ResponseWriter) bool {
	if Vault == nil {
		writeError(w, http.StatusServiceUnavailable, "Vault not initialized")
		return false
	}
	return true
}

func VaultStatus(w http.ResponseWriter, r *http.Request) {
	if !vaultReady(w) {
		return
	}
	st, err := Vault.Status()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func InitVault(w http.ResponseWriter, r *http.Request) {
	if !vaultReady(w) {
		return
	}
	var body passphraseRequest
	if err := decodeJSON(r, &body); err != nil || body.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "passphrase required")
		return
	}
	if err := Vault.Init(body.Passphrase); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func UnlockVault(w http.ResponseWriter, r *http.Request) {
	if !vaultReady(w) {
		return
	}
	var body passphraseRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ok, err := Vault.Unlock(body.Passphrase)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		auditVault(audit.EventVaultUnlockFailed, "wrong passphrase")
		writeError(w, http.StatusUnauthorized, "Invalid master password")
		return
	}
	auditVault(audit.EventVaultUnlocked, "")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func LockVault(w http.ResponseWriter, r *http.Request) {
	if !vaultReady(w) {
		return
	}
	Vault.Lock()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func auditVault(event, details string) {
	if AuditLog != nil {
		AuditLog.Log(audit.Entry{EventType: event, Details: details})
	}
}

// ListKeys returns secret metadata with the latest usage. The vault does
// not need to be unlocked.
func ListKeys(w http.ResponseWriter, r *http.Request) {
	if !vaultReady(w) {
		return
	}
	keys, err := Vault.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	if keys == nil {
		keys = []vault.KeySummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func AddKey(w http.ResponseWriter, r *http.Request) {
	if !vaultReady(w) {
		return
	}
	var body keyRequest
	if err := decodeJSON(r, &body); err != nil || !body.valid() {
		writeError(w, http.StatusBadRequest, "name, key_type (password|key) and content are required")
		return
	}
	s, err := body.secret()
	if err != nil {
		writeErr(w, err)
		return
	}
	id, err := Vault.Add(s)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func UpdateKey(w http.ResponseWriter, r *http.Request) {
	if !vaultReady(w) {
		return
	}
	var body keyRequest
	if err := decodeJSON(r, &body); err != nil || !body.valid() {
		writeError(w, http.StatusBadRequest, "name, key_type (password|key) and content are required")
		return
	}
	s, err := body.secret()
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := Vault.Update(chi.URLParam(r, "keyId"), s); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteKey removes a secret and its usage rows. Servers that still
// reference it fail to resolve credentials afterwards; callers can check
// KeyAssociations first.
func DeleteKey(w http.ResponseWriter, r *http.Request) {
	if !vaultReady(w) {
		return
	}
	if err := Vault.Delete(chi.URLParam(r, "keyId")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func KeyAssociations(w http.ResponseWriter, r *http.Request) {
	if !vaultReady(w) {
		return
	}
	id := chi.URLParam(r, "keyId")
	names, err := Vault.Associations(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_id":      id,
		"total_count": len(names),
		"servers":     names,
	})
}
