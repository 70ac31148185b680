package fieldcipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"signtrust/internal/domain"

	"go.uber.org/zap"
)

const ivSize = aes.BlockSize

// Cipher encrypts designated document fields with AES-256-CBC under the
// tenant key. Every value is JSON-encoded before encryption, so a decrypted
// plaintext that is not valid JSON is treated as a key mismatch.
type Cipher struct {
	keys   *TenantKeyStore
	logger *zap.Logger
	rand   io.Reader
}

func New(keys *TenantKeyStore, logger *zap.Logger) (*Cipher, error) {
	if keys == nil {
		return nil, errors.New("tenant key store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cipher{keys: keys, logger: logger, rand: rand.Reader}, nil
}

// EncryptFields returns a copy of doc with each named field replaced by its
// "hex(iv):hex(ciphertext)" form. Missing and nil fields are left alone.
func (c *Cipher) EncryptFields(doc map[string]any, tenantID string, fields []string) (map[string]any, error) {
	out := cloneDocument(doc)
	for _, field := range fields {
		value, ok := out[field]
		if !ok || value == nil {
			continue
		}
		encrypted, err := c.EncryptValue(tenantID, value)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", field, err)
		}
		out[field] = encrypted
	}
	return out, nil
}

// DecryptFields returns a copy of doc with each named field decrypted. A
// field that cannot be decrypted keeps its stored form and is reported in
// the returned slice; the rest of the document is still usable.
func (c *Cipher) DecryptFields(doc map[string]any, tenantID string, fields []string) (map[string]any, []*domain.FieldError) {
	out := cloneDocument(doc)
	var failures []*domain.FieldError
	for _, field := range fields {
		value, ok := out[field]
		if !ok || value == nil {
			continue
		}
		encoded, isString := value.(string)
		if !isString {
			failures = append(failures, c.fieldFailure(tenantID, field, domain.ErrMalformedCiphertext))
			continue
		}
		plain, err := c.DecryptValue(tenantID, encoded)
		if err != nil {
			failures = append(failures, c.fieldFailure(tenantID, field, err))
			continue
		}
		out[field] = plain
	}
	return out, failures
}

func (c *Cipher) EncryptValue(tenantID string, value any) (string, error) {
	key, err := c.keys.Key(tenantID)
	if err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *Cipher) DecryptValue(tenantID string, encoded string) (any, error) {
	iv, ciphertext, err := parseEncrypted(encoded)
	if err != nil {
		return nil, err
	}
	key, err := c.keys.Key(tenantID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	plaintext, ok := pkcs7Unpad(plaintext, block.BlockSize())
	if !ok || !utf8.Valid(plaintext) || !json.Valid(plaintext) {
		return nil, domain.ErrEncryptionKeyMismatch
	}
	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, domain.ErrEncryptionKeyMismatch
	}
	return value, nil
}

func (c *Cipher) fieldFailure(tenantID, field string, err error) *domain.FieldError {
	c.logger.Warn("field decryption failed",
		zap.String("tenant_id", tenantID),
		zap.String("field", field),
		zap.Error(err),
	)
	return &domain.FieldError{Field: field, Err: err}
}

func parseEncrypted(encoded string) ([]byte, []byte, error) {
	ivHex, ctHex, ok := strings.Cut(encoded, ":")
	if !ok || strings.Contains(ctHex, ":") {
		return nil, nil, domain.ErrMalformedCiphertext
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != ivSize {
		return nil, nil, domain.ErrMalformedCiphertext
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, nil, domain.ErrMalformedCiphertext
	}
	return iv, ciphertext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}

func cloneDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
