// Package vault stores per-host remote credentials encrypted at rest. The
// symmetric key comes from the environment and is never persisted next to
// the ciphertext.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/store"
)

// KeyEnvVar names the environment variable carrying the vault secret.
const KeyEnvVar = "OPSGATE_VAULT_KEY"

var (
	// ErrKeyMissing means no vault secret was supplied. Fatal to any
	// request that stores or retrieves credentials, not to the process.
	ErrKeyMissing = errors.New("vault key missing: set " + KeyEnvVar)

	// ErrNotFound means no credential exists for the server id and kind.
	ErrNotFound = errors.New("credential not found")
)

// Credential is a decrypted credential handed to the executor. It is
// request-scoped and never persisted in this form.
type Credential struct {
	ServerID string
	Kind     api.CredentialKind
	Host     string
	Port     int
	Username string
	Secret   string
}

// record is the persisted JSON shape under cred:<serverId>:<kind>.
type record struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Username         string `json:"username"`
	SecretCiphertext string `json:"secret_ciphertext"`
}

// Vault encrypts and persists credentials on the KV store.
type Vault struct {
	kv  store.KV
	key []byte
}

// New creates a vault with the given environment secret. An empty secret
// yields ErrKeyMissing so the caller can keep the rest of the pipeline
// running for local-only commands.
func New(kv store.KV, secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrKeyMissing
	}
	return &Vault{kv: kv, key: deriveKey(secret)}, nil
}

// Store encrypts the secret with a fresh nonce and persists the credential,
// replacing any prior one for the same server id and kind.
func (v *Vault) Store(serverID string, kind api.CredentialKind, host string, port int, username, plaintextSecret string) error {
	if serverID == "" || host == "" {
		return fmt.Errorf("server id and host are required")
	}

	ciphertext, err := encrypt(v.key, plaintextSecret)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}

	data, err := json.Marshal(record{
		Host:             host,
		Port:             port,
		Username:         username,
		SecretCiphertext: ciphertext,
	})
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	return v.kv.Set(credKey(serverID, kind), string(data))
}

// Retrieve decrypts and returns the stored credential. Legacy plaintext
// values (pre-encryption) are passed through unchanged so existing stores
// keep working until re-saved.
func (v *Vault) Retrieve(serverID string, kind api.CredentialKind) (Credential, error) {
	raw, ok, err := v.kv.Get(credKey(serverID, kind))
	if err != nil {
		return Credential{}, fmt.Errorf("reading credential: %w", err)
	}
	if !ok {
		return Credential{}, ErrNotFound
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Credential{}, fmt.Errorf("decoding credential: %w", err)
	}

	secret := rec.SecretCiphertext
	if IsEncrypted(secret) {
		secret, err = decrypt(v.key, secret)
		if err != nil {
			return Credential{}, err
		}
	}

	return Credential{
		ServerID: serverID,
		Kind:     kind,
		Host:     rec.Host,
		Port:     rec.Port,
		Username: rec.Username,
		Secret:   secret,
	}, nil
}

// List returns credential metadata only, sorted by server id. No secret
// material leaves the vault through this path.
func (v *Vault) List() ([]api.CredentialInfo, error) {
	entries, err := v.kv.List("cred:")
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	var out []api.CredentialInfo
	for key, raw := range entries {
		serverID, kind, ok := parseCredKey(key)
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, api.CredentialInfo{
			ServerID: serverID,
			Kind:     kind,
			Host:     rec.Host,
			Port:     rec.Port,
			Username: rec.Username,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// Delete removes a credential. Irreversible.
func (v *Vault) Delete(serverID string, kind api.CredentialKind) error {
	return v.kv.Delete(credKey(serverID, kind))
}

func credKey(serverID string, kind api.CredentialKind) string {
	return "cred:" + serverID + ":" + string(kind)
}

func parseCredKey(key string) (string, api.CredentialKind, bool) {
	// cred:<serverId>:<kind>; server ids may themselves contain colons, so
	// split from the right.
	const prefix = "cred:"
	if len(key) <= len(prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			return rest[:i], api.CredentialKind(rest[i+1:]), rest[:i] != ""
		}
	}
	return "", "", false
}
