// Package wallet persists the validator's Ed25519 key in an encrypted
// keystore file: scrypt-derived key, AES-256-GCM sealed seed.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"github.com/coinjecture/coinjectured/pkg/core"
)

const keystoreVersion = 1

// scrypt parameters: interactive-login strength.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

type keystoreFile struct {
	Address string     `json:"address"`
	Crypto  cryptoBlob `json:"crypto"`
	Version int        `json:"version"`
}

type cryptoBlob struct {
	Cipher     string       `json:"cipher"`
	CipherText string       `json:"ciphertext"`
	Nonce      string       `json:"nonce"`
	KDF        string       `json:"kdf"`
	KDFParams  scryptParams `json:"kdfparams"`
}

type scryptParams struct {
	N      int    `json:"n"`
	R      int    `json:"r"`
	P      int    `json:"p"`
	KeyLen int    `json:"dklen"`
	Salt   string `json:"salt"`
}

// Save encrypts the key seed under password and writes the keystore file
// with owner-only permissions.
func Save(key *core.PrivateKey, password, path string) error {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to init GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, key.Seed(), nil)

	ks := keystoreFile{
		Address: key.Address().String(),
		Crypto: cryptoBlob{
			Cipher:     "aes-256-gcm",
			CipherText: hex.EncodeToString(sealed),
			Nonce:      hex.EncodeToString(nonce),
			KDF:        "scrypt",
			KDFParams: scryptParams{
				N: scryptN, R: scryptR, P: scryptP, KeyLen: keyLen,
				Salt: hex.EncodeToString(salt),
			},
		},
		Version: keystoreVersion,
	}

	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	return nil
}

// Load decrypts the keystore at path with password.
func Load(password, path string) (*core.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("%w: keystore: %v", core.ErrMalformed, err)
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("%w: unsupported keystore version %d", core.ErrMalformed, ks.Version)
	}
	if ks.Crypto.Cipher != "aes-256-gcm" || ks.Crypto.KDF != "scrypt" {
		return nil, fmt.Errorf("%w: unsupported keystore cipher %q / kdf %q", core.ErrMalformed, ks.Crypto.Cipher, ks.Crypto.KDF)
	}

	salt, err := hex.DecodeString(ks.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: keystore salt: %v", core.ErrMalformed, err)
	}
	nonce, err := hex.DecodeString(ks.Crypto.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: keystore nonce: %v", core.ErrMalformed, err)
	}
	sealed, err := hex.DecodeString(ks.Crypto.CipherText)
	if err != nil {
		return nil, fmt.Errorf("%w: keystore ciphertext: %v", core.ErrMalformed, err)
	}

	p := ks.Crypto.KDFParams
	derived, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	seed, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keystore (wrong password?): %w", err)
	}

	return core.PrivateKeyFromSeed(seed)
}

// LoadOrCreate loads the keystore at path, generating and saving a fresh key
// on first start.
func LoadOrCreate(password, path string) (*core.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(password, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat keystore: %w", err)
	}

	key, err := core.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := Save(key, password, path); err != nil {
		return nil, err
	}
	return key, nil
}
