package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"

	"github.com/pkg/errors"

	"clipvault/pkg/domain"
)

// AES-256-CBC with an all-zero IV and PKCS#7 padding. The zero IV is a known
// weakening (identical plaintexts yield identical ciphertexts) kept for
// on-disk compatibility with existing databases and sync folders.

func (c *Codec) encryptString(plaintext string) (string, error) {
	if len(c.key) == 0 {
		return "", errors.New("codec: encryption requested without a key")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, "new cipher")
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, zeroIV()).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *Codec) decryptString(ciphertext string) (string, error) {
	if len(c.key) == 0 {
		return "", errors.Wrap(domain.ErrDecryptFailed, "no key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Wrap(domain.ErrDecryptFailed, err.Error())
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", errors.Wrap(domain.ErrDecryptFailed, "ciphertext length not a block multiple")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, "new cipher")
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, zeroIV()).CryptBlocks(out, raw)
	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", errors.Wrap(domain.ErrDecryptFailed, err.Error())
	}
	return string(unpadded), nil
}

func zeroIV() []byte {
	return make([]byte, aes.BlockSize)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errors.New("invalid padding byte")
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return b[:len(b)-n], nil
}
