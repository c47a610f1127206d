package alias

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Monthlyaway/ttl-link/internal/errx"
	"github.com/Monthlyaway/ttl-link/internal/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	aliases map[string]bool
	calls   int
	err     error
}

func newFakeStore(aliases ...string) *fakeStore {
	s := &fakeStore{aliases: make(map[string]bool)}
	for _, a := range aliases {
		s.aliases[a] = true
	}
	return s
}

func (s *fakeStore) Exists(_ context.Context, alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.aliases[alias], nil
}

func TestRequestedAliasUsedVerbatim(t *testing.T) {
	a := NewAllocator(newFakeStore(), Config{})

	got, err := a.Allocate(context.Background(), "https://example.com", "my-link")
	require.NoError(t, err)
	assert.Equal(t, "my-link", got)
}

func TestRequestedAliasReserved(t *testing.T) {
	a := NewAllocator(newFakeStore(), Config{})

	for _, reserved := range []string{"search", "Tools", "projects"} {
		_, err := a.Allocate(context.Background(), "https://example.com", reserved)
		assert.ErrorIs(t, err, errx.ErrAliasReserved, reserved)
		assert.Equal(t, errx.Invalid, errx.KindOf(err))
	}
}

func TestRequestedAliasConflict(t *testing.T) {
	a := NewAllocator(newFakeStore("taken"), Config{})

	_, err := a.Allocate(context.Background(), "https://example.com", "taken")
	assert.ErrorIs(t, err, errx.ErrAliasConflict)
	assert.Equal(t, errx.Conflict, errx.KindOf(err))
}

func TestRequestedAliasValidation(t *testing.T) {
	a := NewAllocator(newFakeStore(), Config{})

	for _, bad := range []string{"ab", "-lead", "trail_", "sp ace", "slash/es"} {
		_, err := a.Allocate(context.Background(), "https://example.com", bad)
		assert.ErrorIs(t, err, errx.ErrInvalidAlias, bad)
	}
}

func TestGeneratedAliasIsDigestPrefix(t *testing.T) {
	a := NewAllocator(newFakeStore(), Config{})

	got, err := a.Allocate(context.Background(), "https://example.com", "")
	require.NoError(t, err)
	assert.Len(t, got, Length)
	assert.Equal(t, Digest("https://example.com")[:Length], got)
}

func TestGeneratedAliasRetriesOnCollision(t *testing.T) {
	digest := Digest("https://example.com")
	store := newFakeStore(digest[:Length])
	a := NewAllocator(store, Config{IntN: func(int) int { return 5 }})

	got, err := a.Allocate(context.Background(), "https://example.com", "")
	require.NoError(t, err)

	want := make([]byte, Length)
	for i := range want {
		want[i] = digest[5]
	}
	assert.Equal(t, string(want), got)
	assert.Equal(t, 2, store.calls)
}

func TestGeneratedAliasOnlyUsesDigestCharacters(t *testing.T) {
	digest := Digest("https://example.com/x")
	a := NewAllocator(newFakeStore(digest[:Length]), Config{})

	got, err := a.Allocate(context.Background(), "https://example.com/x", "")
	require.NoError(t, err)
	for _, c := range got {
		assert.Contains(t, digest, string(c))
	}
}

func TestAllocationExhausted(t *testing.T) {
	digest := Digest("https://example.com")
	same := make([]byte, Length)
	for i := range same {
		same[i] = digest[0]
	}
	store := newFakeStore(digest[:Length], string(same))
	a := NewAllocator(store, Config{MaxAttempts: 10, IntN: func(int) int { return 0 }})

	_, err := a.Allocate(context.Background(), "https://example.com", "")
	assert.ErrorIs(t, err, errx.ErrAllocationExhausted)
	assert.Equal(t, errx.Unavailable, errx.KindOf(err))
	assert.Equal(t, 10, store.calls)
}

func TestFilterSkipsStoreForUnseenAliases(t *testing.T) {
	store := newFakeStore()
	f := filter.NewAliasFilter(1000, 0.001)
	a := NewAllocator(store, Config{Filter: f})

	first, err := a.Allocate(context.Background(), "https://example.com", "")
	require.NoError(t, err)
	assert.Zero(t, store.calls)

	a.Remember(first)
	store.aliases[first] = true

	second, err := a.Allocate(context.Background(), "https://example.com", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.GreaterOrEqual(t, store.calls, 1)
}

func TestStoreErrorsPropagate(t *testing.T) {
	store := newFakeStore()
	store.err = errx.E("repository.Exists", errx.Unavailable, errors.New("db down"))
	a := NewAllocator(store, Config{})

	_, err := a.Allocate(context.Background(), "https://example.com", "")
	assert.Equal(t, errx.Unavailable, errx.KindOf(err))
	assert.Equal(t, "alias.Allocate", errx.OpOf(err))
}
