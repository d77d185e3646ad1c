package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arrayStore(items ...keyring.Item) *Store {
	return NewStore(func() (keyring.Keyring, error) {
		return keyring.NewArrayKeyring(items), nil
	})
}

func TestStoreGetSetDelete(t *testing.T) {
	s := arrayStore(keyring.Item{Key: "work/imap", Data: []byte("s3cret")})

	v, err := s.Get("work/imap")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	require.NoError(t, s.Set("work/smtp", "other"))
	v, err = s.Get("work/smtp")
	require.NoError(t, err)
	assert.Equal(t, "other", v)

	require.NoError(t, s.Delete("work/smtp"))
	_, err = s.Get("work/smtp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreOpensOnce(t *testing.T) {
	calls := 0
	s := NewStore(func() (keyring.Keyring, error) {
		calls++
		return keyring.NewArrayKeyring(nil), nil
	})

	_, _ = s.Get("a")
	_, _ = s.Get("b")
	assert.Equal(t, 1, calls)
}

func TestStoreOpenFailure(t *testing.T) {
	boom := errors.New("no backend")
	s := NewStore(func() (keyring.Keyring, error) { return nil, boom })

	_, err := s.Get("a")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Set("a", "b"), boom)
}
