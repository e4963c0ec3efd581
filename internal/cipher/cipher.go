// Package cipher derives per-record keys from a master secret and seals
// credential payloads with AES-256-GCM.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/rendis/webforge/pkg/schema"
)

const (
	// BundleVersion is written into every bundle produced by this package.
	BundleVersion = "1"

	// MaxPlaintextSize bounds a single payload.
	MaxPlaintextSize = 1 << 20

	// MinMasterSecretSize is the shortest accepted master secret.
	MinMasterSecretSize = 32

	DefaultIterations = 100_000
	DefaultCacheTTL   = time.Hour

	keySize   = 32
	saltSize  = 32
	nonceSize = 12
	tagSize   = 16
)

// Config configures a Context.
type Config struct {
	MasterSecret []byte        // current epoch secret, at least 32 bytes
	Retired      [][]byte      // previous epoch secrets, decrypt only
	Iterations   int           // PBKDF2 iterations (default 100_000, minimum 100_000)
	CacheTTL     time.Duration // derived key lifetime in memory (default 1h)
	Now          func() time.Time
}

// Bundle is a sealed payload. Every field is independently base64 encoded.
type Bundle struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`
	Salt       string `json:"salt"`
	KeyID      string `json:"key_id"`
	Version    string `json:"version"`
}

type epoch struct {
	id          string
	fingerprint string
	secret      []byte
}

// Context holds the master secret epochs and the derived key cache.
// It is built once at startup and shared by reference; it is safe for concurrent use.
type Context struct {
	current    epoch
	epochs     map[string]epoch
	iterations int
	ttl        time.Duration
	keys       *ristretto.Cache
}

// New validates cfg and returns a ready Context.
func New(cfg Config) (*Context, error) {
	if len(cfg.MasterSecret) < MinMasterSecretSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"master secret must be at least %d bytes, got %d", MinMasterSecretSize, len(cfg.MasterSecret))
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if iterations < DefaultIterations {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"key derivation needs at least %d iterations, got %d", DefaultIterations, iterations)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}

	keys, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:            1e4,
		MaxCost:                1 << 20,
		BufferItems:            64,
		TtlTickerDurationInSec: 60,
	})
	if err != nil {
		return nil, fmt.Errorf("key cache: %w", err)
	}

	c := &Context{
		epochs:     make(map[string]epoch, len(cfg.Retired)+1),
		iterations: iterations,
		ttl:        ttl,
		keys:       keys,
	}
	for _, old := range cfg.Retired {
		if len(old) < MinMasterSecretSize {
			return nil, schema.NewError(schema.ErrCodeValidation, "retired master secret is too short")
		}
		fp := fingerprint(old)
		c.epochs[fp] = epoch{fingerprint: fp, secret: old}
	}
	fp := fingerprint(cfg.MasterSecret)
	c.current = epoch{
		id:          fmt.Sprintf("key_%s_%s", now().UTC().Format("20060102"), fp),
		fingerprint: fp,
		secret:      cfg.MasterSecret,
	}
	c.epochs[fp] = c.current
	return c, nil
}

// KeyID returns the identifier stamped on bundles sealed by the current epoch.
func (c *Context) KeyID() string { return c.current.id }

// Current reports whether b was sealed under the current master secret.
func (c *Context) Current(b *Bundle) bool {
	fp, ok := keyFingerprint(b.KeyID)
	return ok && fp == c.current.fingerprint
}

// Encrypt seals plaintext with a fresh salt and nonce.
func (c *Context) Encrypt(plaintext []byte) (*Bundle, error) {
	if len(plaintext) == 0 {
		return nil, schema.NewError(schema.ErrCodeEncryption, "plaintext is empty")
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, schema.NewErrorf(schema.ErrCodeEncryption,
			"plaintext exceeds %d bytes", MaxPlaintextSize)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, schema.NewError(schema.ErrCodeEncryption, "generate salt").WithCause(err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, schema.NewError(schema.ErrCodeEncryption, "generate nonce").WithCause(err)
	}

	aead, err := c.aead(c.current, salt)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - tagSize

	enc := base64.StdEncoding
	return &Bundle{
		Ciphertext: enc.EncodeToString(sealed[:split]),
		Nonce:      enc.EncodeToString(nonce),
		Tag:        enc.EncodeToString(sealed[split:]),
		Salt:       enc.EncodeToString(salt),
		KeyID:      c.current.id,
		Version:    BundleVersion,
	}, nil
}

// Decrypt opens b. Any authentication failure is an INTEGRITY_ERROR.
func (c *Context) Decrypt(b *Bundle) ([]byte, error) {
	if b == nil {
		return nil, schema.NewError(schema.ErrCodeIntegrity, "bundle is nil")
	}
	fp, ok := keyFingerprint(b.KeyID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeIntegrity, "malformed key id %q", b.KeyID)
	}
	ep, ok := c.epochs[fp]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeIntegrity, "no master secret for key id %q", b.KeyID)
	}

	ct, err1 := decodeField("ciphertext", b.Ciphertext, -1)
	nonce, err2 := decodeField("nonce", b.Nonce, nonceSize)
	tag, err3 := decodeField("tag", b.Tag, tagSize)
	salt, err4 := decodeField("salt", b.Salt, saltSize)
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return nil, err
		}
	}

	aead, err := c.aead(ep, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeIntegrity, "authentication tag mismatch").WithCause(err)
	}
	return plaintext, nil
}

// EncryptJSON marshals v and seals it.
func (c *Context) EncryptJSON(v any) (*Bundle, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeEncryption, "marshal payload").WithCause(err)
	}
	return c.Encrypt(data)
}

// DecryptJSON opens b and unmarshals the plaintext into v.
func (c *Context) DecryptJSON(b *Bundle, v any) error {
	data, err := c.Decrypt(b)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewError(schema.ErrCodeIntegrity, "decrypted payload is not valid JSON")
	}
	return nil
}

// Rotate re-seals b under the current epoch. Bundles already current are returned unchanged.
func (c *Context) Rotate(b *Bundle) (*Bundle, error) {
	if c.Current(b) {
		return b, nil
	}
	plaintext, err := c.Decrypt(b)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(plaintext)
}

// ClearCache drops every derived key held in memory.
func (c *Context) ClearCache() {
	c.keys.Clear()
}

// Close releases the key cache.
func (c *Context) Close() {
	c.keys.Close()
}

func (c *Context) aead(ep epoch, salt []byte) (stdcipher.AEAD, error) {
	key, err := c.derive(ep, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

func (c *Context) derive(ep epoch, salt []byte) ([]byte, error) {
	cacheKey := ep.fingerprint + ":" + base64.StdEncoding.EncodeToString(salt)
	if v, ok := c.keys.Get(cacheKey); ok {
		if key, ok := v.([]byte); ok {
			return key, nil
		}
	}
	key, err := pbkdf2.Key(sha256.New, string(ep.secret), salt, c.iterations, keySize)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeEncryption, "derive key").WithCause(err)
	}
	c.keys.SetWithTTL(cacheKey, key, int64(len(key)), c.ttl)
	return key, nil
}

func decodeField(name, value string, size int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeIntegrity, "%s is not valid base64", name)
	}
	if size >= 0 && len(raw) != size {
		return nil, schema.NewErrorf(schema.ErrCodeIntegrity, "%s has length %d, want %d", name, len(raw), size)
	}
	return raw, nil
}

func fingerprint(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])[:8]
}

// keyFingerprint extracts the trailing fingerprint of key_<date>_<fp>.
func keyFingerprint(keyID string) (string, bool) {
	parts := strings.Split(keyID, "_")
	if len(parts) != 3 || parts[0] != "key" || len(parts[2]) != 8 {
		return "", false
	}
	return parts[2], true
}
