package crest

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encSaltSize      = 16
	encNonceSize     = 12
	encKeySize       = 32
	encKDFIterations = 100000
)

// encFileMagic marks password-encrypted files.
var encFileMagic = []byte("CREN")

const encFileVersion = 1

// Encryptor seals data with AES-256-GCM under a password-derived key. Every
// sealed blob carries its own salt and nonce, so decryption needs nothing
// but the password.
type Encryptor struct {
	password []byte
}

// NewEncryptor creates an encryptor for the given password.
func NewEncryptor(password string) (*Encryptor, error) {
	if password == "" {
		return nil, errors.New("empty encryption password")
	}
	return &Encryptor{password: []byte(password)}, nil
}

func (e *Encryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.password, salt, encKDFIterations, encKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext into a self-contained blob laid out as
// salt || nonce || ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, encSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, encNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	blob := make([]byte, 0, encSaltSize+encNonceSize+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return gcm.Seal(blob, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. A wrong password, truncated
// blob, or any tampering yields ErrDecryptFailed.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < encSaltSize+encNonceSize {
		return nil, ErrDecryptFailed
	}
	salt := blob[:encSaltSize]
	nonce := blob[encSaltSize : encSaltSize+encNonceSize]
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, blob[encSaltSize+encNonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// EncryptFile encrypts src into dst with a small magic header so encrypted
// files are recognizable without a decryption attempt.
func EncryptFile(src, dst, password string) error {
	enc, err := NewEncryptor(password)
	if err != nil {
		return err
	}
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	blob, err := enc.Encrypt(plaintext)
	if err != nil {
		return err
	}

	out := make([]byte, 0, len(encFileMagic)+1+len(blob))
	out = append(out, encFileMagic...)
	out = append(out, encFileVersion)
	out = append(out, blob...)
	return os.WriteFile(dst, out, 0o600)
}

// DecryptFile reverses EncryptFile.
func DecryptFile(src, dst, password string) error {
	enc, err := NewEncryptor(password)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if len(data) < len(encFileMagic)+1 || !bytes.Equal(data[:len(encFileMagic)], encFileMagic) {
		return fmt.Errorf("%s: not an encrypted file", src)
	}
	if v := data[len(encFileMagic)]; v != encFileVersion {
		return fmt.Errorf("unsupported encrypted file version %d", v)
	}
	plaintext, err := enc.Decrypt(data[len(encFileMagic)+1:])
	if err != nil {
		return err
	}
	return os.WriteFile(dst, plaintext, 0o600)
}
