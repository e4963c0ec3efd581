package cipher

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/webforge/pkg/schema"
)

func testSecret(seed byte) []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = seed + byte(i)
	}
	return s
}

func testContext(t *testing.T, cfg Config) *Context {
	t.Helper()
	if cfg.MasterSecret == nil {
		cfg.MasterSecret = testSecret(1)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestContext_RoundTrip(t *testing.T) {
	c := testContext(t, Config{})

	b, err := c.Encrypt([]byte(`{"token":"ghp_abc"}`))
	require.NoError(t, err)
	assert.Equal(t, BundleVersion, b.Version)
	assert.Equal(t, c.KeyID(), b.KeyID)

	out, err := c.Decrypt(b)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"ghp_abc"}`, string(out))
}

func TestContext_TagFlipIsIntegrityError(t *testing.T) {
	c := testContext(t, Config{})

	b, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	tag, err := base64.StdEncoding.DecodeString(b.Tag)
	require.NoError(t, err)
	tag[0] ^= 0x01
	b.Tag = base64.StdEncoding.EncodeToString(tag)

	out, err := c.Decrypt(b)
	assert.Nil(t, out)
	assert.True(t, schema.IsCode(err, schema.ErrCodeIntegrity), "got %v", err)
}

func TestContext_TamperedCiphertext(t *testing.T) {
	c := testContext(t, Config{})

	b, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	ct, _ := base64.StdEncoding.DecodeString(b.Ciphertext)
	ct[len(ct)-1] ^= 0xff
	b.Ciphertext = base64.StdEncoding.EncodeToString(ct)

	_, err = c.Decrypt(b)
	assert.True(t, schema.IsCode(err, schema.ErrCodeIntegrity))
}

func TestContext_SamePlaintextDiffers(t *testing.T) {
	c := testContext(t, Config{})

	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestContext_PlaintextBounds(t *testing.T) {
	c := testContext(t, Config{})

	_, err := c.Encrypt(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeEncryption))

	_, err = c.Encrypt(bytes.Repeat([]byte("a"), MaxPlaintextSize+1))
	assert.True(t, schema.IsCode(err, schema.ErrCodeEncryption))
}

func TestNew_RejectsWeakConfig(t *testing.T) {
	_, err := New(Config{MasterSecret: []byte("short")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = New(Config{MasterSecret: testSecret(1), Iterations: 1000})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestContext_KeyIDFormat(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	c := testContext(t, Config{Now: func() time.Time { return fixed }})

	assert.True(t, strings.HasPrefix(c.KeyID(), "key_20260304_"))
	assert.Len(t, c.KeyID(), len("key_20260304_")+8)
}

func TestContext_RetiredEpochDecryptsAndRotates(t *testing.T) {
	old := testContext(t, Config{MasterSecret: testSecret(7)})
	b, err := old.Encrypt([]byte("legacy"))
	require.NoError(t, err)

	c := testContext(t, Config{MasterSecret: testSecret(9), Retired: [][]byte{testSecret(7)}})
	assert.False(t, c.Current(b))

	out, err := c.Decrypt(b)
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(out))

	rotated, err := c.Rotate(b)
	require.NoError(t, err)
	assert.True(t, c.Current(rotated))
	assert.Equal(t, c.KeyID(), rotated.KeyID)

	out, err = c.Decrypt(rotated)
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(out))
}

func TestContext_UnknownKeyID(t *testing.T) {
	other := testContext(t, Config{MasterSecret: testSecret(3)})
	b, err := other.Encrypt([]byte("x"))
	require.NoError(t, err)

	c := testContext(t, Config{})
	_, err = c.Decrypt(b)
	assert.True(t, schema.IsCode(err, schema.ErrCodeIntegrity))

	b.KeyID = "garbage"
	_, err = c.Decrypt(b)
	assert.True(t, schema.IsCode(err, schema.ErrCodeIntegrity))
}

func TestContext_JSONHelpers(t *testing.T) {
	c := testContext(t, Config{})

	in := map[string]string{"username": "bot", "password": "hunter2"}
	b, err := c.EncryptJSON(in)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, c.DecryptJSON(b, &out))
	assert.Equal(t, in, out)
}

func TestContext_ClearCacheKeepsDecrypting(t *testing.T) {
	c := testContext(t, Config{})

	b, err := c.Encrypt([]byte("cached"))
	require.NoError(t, err)
	c.ClearCache()

	out, err := c.Decrypt(b)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(out))
}
