// Package envelope implements the provider's hybrid request signature: the
// payload is encrypted with a one-time AES-256-CBC key, and that key is
// wrapped with the provider's RSA public key.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize = 32
	ivSize  = aes.BlockSize
)

var (
	// ErrMismatch is returned by Verify when the envelope does not carry the expected payload.
	ErrMismatch = errors.New("envelope: payload mismatch")
	// ErrInvalidKey is returned when key material cannot be parsed.
	ErrInvalidKey = errors.New("envelope: invalid key material")
)

// Envelope is the pair of header values sent alongside a signed request.
type Envelope struct {
	// Signature is base64(AES-256-CBC(payload)).
	Signature string
	// WrappedKey is base64(RSA-PKCS1v15(base64(key) + ":" + base64(iv))).
	WrappedKey string
}

// Seal encrypts payload under a fresh key and IV and wraps them for pub.
func Seal(payload []byte, pub *rsa.PublicKey) (Envelope, error) {
	return seal(rand.Reader, payload, pub)
}

func seal(random io.Reader, payload []byte, pub *rsa.PublicKey) (Envelope, error) {
	if pub == nil {
		return Envelope{}, fmt.Errorf("%w: public key is nil", ErrInvalidKey)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(random, key); err != nil {
		return Envelope{}, fmt.Errorf("envelope: generate key: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return Envelope{}, fmt.Errorf("envelope: generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: create cipher: %w", err)
	}
	padded := pkcs7Pad(payload, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	keyIV := base64.StdEncoding.EncodeToString(key) + ":" + base64.StdEncoding.EncodeToString(iv)
	wrapped, err := rsa.EncryptPKCS1v15(random, pub, []byte(keyIV))
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: wrap key: %w", err)
	}

	return Envelope{
		Signature:  base64.StdEncoding.EncodeToString(ciphertext),
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
	}, nil
}

// Open unwraps the key with priv and decrypts the payload.
func Open(env Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: private key is nil", ErrInvalidKey)
	}

	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode wrapped key: %w", err)
	}
	keyIV, err := rsa.DecryptPKCS1v15(nil, priv, wrapped)
	if err != nil {
		return nil, fmt.Errorf("envelope: unwrap key: %w", err)
	}

	encKey, encIV, ok := strings.Cut(string(keyIV), ":")
	if !ok {
		return nil, errors.New("envelope: wrapped key is not key:iv")
	}
	key, err := base64.StdEncoding.DecodeString(encKey)
	if err != nil || len(key) != keySize {
		return nil, errors.New("envelope: bad symmetric key")
	}
	iv, err := base64.StdEncoding.DecodeString(encIV)
	if err != nil || len(iv) != ivSize {
		return nil, errors.New("envelope: bad iv")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode signature: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("envelope: ciphertext is not a whole number of blocks")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: create cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	return pkcs7Unpad(plain, aes.BlockSize)
}

// Verify opens env and compares the payload with expected in constant time.
func Verify(env Envelope, priv *rsa.PrivateKey, expected []byte) error {
	got, err := Open(env, priv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	if subtle.ConstantTimeCompare(got, expected) != 1 {
		return ErrMismatch
	}
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("envelope: empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("envelope: bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("envelope: bad padding")
		}
	}
	return data[:len(data)-n], nil
}

// ParsePublicKey accepts a PEM block or bare base64 DER, in PKIX or PKCS#1 form.
func ParsePublicKey(material string) (*rsa.PublicKey, error) {
	der, err := decodeMaterial(material)
	if err != nil {
		return nil, err
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidKey)
		}
		return rsaPub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	return nil, fmt.Errorf("%w: unrecognized public key encoding", ErrInvalidKey)
}

// ParsePrivateKey accepts a PEM block or bare base64 DER, in PKCS#8 or PKCS#1 form.
func ParsePrivateKey(material string) (*rsa.PrivateKey, error) {
	der, err := decodeMaterial(material)
	if err != nil {
		return nil, err
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA private key", ErrInvalidKey)
		}
		return rsaKey, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unrecognized private key encoding", ErrInvalidKey)
}

func decodeMaterial(material string) ([]byte, error) {
	trimmed := strings.TrimSpace(material)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	// Keys supplied through environment variables often carry literal \n.
	trimmed = strings.ReplaceAll(trimmed, `\n`, "\n")

	if block, _ := pem.Decode([]byte(trimmed)); block != nil {
		return block.Bytes, nil
	}

	compact := strings.Join(strings.Fields(trimmed), "")
	der, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: neither PEM nor base64 DER", ErrInvalidKey)
	}
	return der, nil
}
