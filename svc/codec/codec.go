// Package codec converts clipboard payloads to and from the canonical string
// form persisted in the asset table, and computes the content digests used
// for deduplication.
package codec

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"image/png"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	"clipvault/pkg/domain"
	"clipvault/svc/util"
)

// EmptyDigest is MD5(""), the digest of empty or nil content.
const EmptyDigest = "d41d8cd98f00b204e9800998ecf8427e"

const (
	keyIterations = 4096
	keyLength     = 32
)

// keySalt is fixed so that peers sharing a passphrase derive the same AES key.
var keySalt = []byte("clipvault/key/v1")

const fileSeparator = "\n"

type Codec struct {
	key       []byte
	keyDigest string
}

// New derives the AES-256 key from the user passphrase. An empty passphrase
// yields a codec that can encode and hash but refuses to encrypt.
func New(passphrase string) *Codec {
	if passphrase == "" {
		return &Codec{}
	}
	sum := md5.Sum([]byte(passphrase))
	return &Codec{
		key:       pbkdf2.Key([]byte(passphrase), keySalt, keyIterations, keyLength, sha256.New),
		keyDigest: hex.EncodeToString(sum[:]),
	}
}

// KeyDigest identifies the active encryption key; it partitions records by
// owner for sync. Empty when no key is configured.
func (c *Codec) KeyDigest() string { return c.keyDigest }

// Wipe zeroes the derived key. The codec refuses to encrypt or decrypt
// afterwards; call only on shutdown.
func (c *Codec) Wipe() {
	util.Wipe(c.key)
	c.key = nil
}

// Digest hashes the canonical (unencrypted) string form, so dedup behaves
// identically whether or not encryption is on.
func (c *Codec) Digest(canonical string) string {
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Canonical returns the canonical string form of a payload: text and rich
// text are the text itself, images are base64 PNG bytes, file lists are
// newline-joined paths. Nil content canonicalizes to "".
func (c *Codec) Canonical(content domain.Content) string {
	switch v := content.(type) {
	case nil:
		return ""
	case domain.PlainText:
		return string(v)
	case domain.RichText:
		return v.Markup
	case domain.Image:
		return base64.StdEncoding.EncodeToString(v)
	case domain.Files:
		return strings.Join(v, fileSeparator)
	default:
		return ""
	}
}

// Encode produces the persistable string plus, for rich text, the plain-text
// fallback stored alongside it. Images are never encrypted.
func (c *Codec) Encode(content domain.Content, encrypt bool) (data string, fallback string, err error) {
	canonical := c.Canonical(content)
	if rt, ok := content.(domain.RichText); ok {
		fallback = rt.Fallback
	}
	if !encrypt || content == nil || content.Type() == domain.TypeImage {
		return canonical, fallback, nil
	}
	data, err = c.encryptString(canonical)
	if err != nil {
		return "", "", err
	}
	if fallback != "" {
		fallback, err = c.encryptString(fallback)
		if err != nil {
			return "", "", err
		}
	}
	return data, fallback, nil
}

// Decode is the inverse of Encode. Corrupt ciphertext or undecodable image
// bytes surface as typed errors; callers treat the record as invalid rather
// than failing the pipeline.
func (c *Codec) Decode(data string, contentType domain.ContentType, encrypted bool, fallback string) (domain.Content, error) {
	if encrypted && contentType != domain.TypeImage {
		var err error
		data, err = c.decryptString(data)
		if err != nil {
			return nil, err
		}
		if fallback != "" {
			fallback, err = c.decryptString(fallback)
			if err != nil {
				return nil, err
			}
		}
	}
	switch contentType {
	case domain.TypePlainText:
		return domain.PlainText(data), nil
	case domain.TypeRichText:
		return domain.RichText{Markup: data, Fallback: fallback}, nil
	case domain.TypeImage:
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, errors.Wrap(domain.ErrInvalidImage, err.Error())
		}
		if _, err := png.DecodeConfig(bytes.NewReader(raw)); err != nil {
			return nil, errors.Wrap(domain.ErrInvalidImage, err.Error())
		}
		return domain.Image(raw), nil
	case domain.TypeFiles:
		if data == "" {
			return domain.Files(nil), nil
		}
		parts := strings.Split(data, fileSeparator)
		paths := parts[:0]
		for _, p := range parts {
			if p != "" {
				paths = append(paths, p)
			}
		}
		return domain.Files(paths), nil
	default:
		return domain.PlainText(data), nil
	}
}
