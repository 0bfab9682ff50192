// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/muster/internal/errors"
)

func TestRoundTrip(t *testing.T) {
	for _, tag := range []byte{TagAESGCM, TagChaCha20} {
		key := bytes.Repeat([]byte{0x11}, KeySize)
		c, err := NewWithKey(tag, key)
		require.NoError(t, err)
		assert.Equal(t, tag, c.Algorithm())

		plaintext := []byte("task output: uid=0(root)")
		sealed, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, sealed)

		opened, err := c.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	for _, tag := range []byte{TagAESGCM, TagChaCha20} {
		a, err := NewWithKey(tag, bytes.Repeat([]byte{0x01}, KeySize))
		require.NoError(t, err)
		b, err := NewWithKey(tag, bytes.Repeat([]byte{0x02}, KeySize))
		require.NoError(t, err)

		sealed, err := a.Encrypt([]byte("secret"))
		require.NoError(t, err)

		out, err := b.Decrypt(sealed)
		assert.Error(t, err)
		assert.Nil(t, out, "auth failure must not return partial plaintext")
		assert.Equal(t, errors.KindCrypto, errors.GetKind(err))
	}
}

func TestShortCiphertext(t *testing.T) {
	c, err := NewWithKey(TagChaCha20, bytes.Repeat([]byte{0x07}, KeySize))
	require.NoError(t, err)

	_, err = c.Decrypt([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestBadKeyLength(t *testing.T) {
	_, err := NewWithKey(TagAESGCM, []byte("short"))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestUnknownTag(t *testing.T) {
	_, err := New(0x7F)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestNullPassthrough(t *testing.T) {
	c, err := New(TagNone)
	require.NoError(t, err)

	in := []byte("cleartext")
	sealed, err := c.Encrypt(in)
	require.NoError(t, err)
	assert.Equal(t, in, sealed)

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, in, opened)
}

func TestRandomKeyDiffersPerContext(t *testing.T) {
	a, err := New(TagAESGCM)
	require.NoError(t, err)
	b, err := New(TagAESGCM)
	require.NoError(t, err)

	sealed, err := a.Encrypt([]byte("x"))
	require.NoError(t, err)
	_, err = b.Decrypt(sealed)
	assert.Error(t, err)
}
