package accounts

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/telewarp/bbsbot/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// vaultVersion is the encrypted-vault JSON schema version.
	vaultVersion = 1
)

// vaultJSON is the on-disk format. Only ciphertext ever touches disk;
// the account list inside is never written back as plaintext.
type vaultJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// vaultAccount is the plaintext schema sealed inside the vault.
type vaultAccount struct {
	Name     string   `json:"name"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Host     string   `json:"host,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// EncryptVault seals the account list with a passphrase using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM, returning the JSON
// blob suitable for writing to disk.
func EncryptVault(accounts []domain.Account, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("accounts: vault passphrase must not be empty")
	}

	plain := make([]vaultAccount, 0, len(accounts))
	for _, a := range accounts {
		plain = append(plain, vaultAccount{
			Name: a.Name, Username: a.Username, Password: a.Password,
			Host: a.Host, Tags: a.Tags,
		})
	}
	payload, err := json.Marshal(plain)
	if err != nil {
		return nil, fmt.Errorf("accounts: marshaling vault payload: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("accounts: generating salt: %w", err)
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("accounts: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("accounts: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("accounts: generating nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, payload, nil)

	out := vaultJSON{
		Version:    vaultVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptVault opens a blob produced by EncryptVault.
func DecryptVault(blob []byte, passphrase string) ([]domain.Account, error) {
	if passphrase == "" {
		return nil, errors.New("accounts: vault passphrase must not be empty")
	}

	var stored vaultJSON
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("accounts: parsing vault JSON: %w", err)
	}
	if stored.Version != vaultVersion {
		return nil, fmt.Errorf("accounts: unsupported vault version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("accounts: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("accounts: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("accounts: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("accounts: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("accounts: creating GCM: %w", err)
	}

	payload, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("accounts: vault decryption failed (wrong passphrase?): %w", err)
	}

	var plain []vaultAccount
	if err := json.Unmarshal(payload, &plain); err != nil {
		return nil, fmt.Errorf("accounts: parsing vault payload: %w", err)
	}
	out := make([]domain.Account, 0, len(plain))
	for _, a := range plain {
		out = append(out, domain.Account{
			Name: a.Name, Username: a.Username, Password: a.Password,
			Host: a.Host, Tags: a.Tags,
		})
	}
	return out, nil
}

// LoadVault reads and decrypts a vault file.
func LoadVault(path, passphrase string) ([]domain.Account, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("accounts: reading vault: %w", err)
	}
	return DecryptVault(blob, passphrase)
}

// SaveVault encrypts and writes the vault atomically (tmp+rename).
func SaveVault(path string, accounts []domain.Account, passphrase string) error {
	blob, err := EncryptVault(accounts, passphrase)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("accounts: creating vault dir: %w", err)
	}
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("accounts: writing vault: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("accounts: replacing vault: %w", err)
	}
	return nil
}
