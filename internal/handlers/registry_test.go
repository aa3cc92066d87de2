package handlers

import (
	"context"
	"testing"

	"adaptive-runner/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryNewReturnsFreshInstances(t *testing.T) {
	calls := 0
	Register("registry_counting", func() domain.Handler {
		calls++
		return domain.HandlerFunc(func(context.Context, map[string]any) error { return nil })
	})

	_, ok := New("registry_counting")
	require.True(t, ok)
	_, ok = New("registry_counting")
	require.True(t, ok)
	assert.Equal(t, 2, calls)
}

func TestRegistryUnknownType(t *testing.T) {
	h, ok := New("registry_never_registered")
	assert.False(t, ok)
	assert.Nil(t, h)
}

func TestRegistryLaterRegistrationWins(t *testing.T) {
	Register("registry_replaced", func() domain.Handler {
		return domain.HandlerFunc(func(context.Context, map[string]any) error {
			t.Fatal("stale factory invoked")
			return nil
		})
	})
	Register("registry_replaced", func() domain.Handler {
		return domain.HandlerFunc(func(context.Context, map[string]any) error { return nil })
	})

	h, ok := New("registry_replaced")
	require.True(t, ok)
	assert.NoError(t, h.Run(context.Background(), nil))
}

func TestRegistryTypesSorted(t *testing.T) {
	Register("registry_zzz", func() domain.Handler { return nil })
	Register("registry_aaa", func() domain.Handler { return nil })

	types := Types()
	var zi, ai int
	for i, typ := range types {
		switch typ {
		case "registry_zzz":
			zi = i
		case "registry_aaa":
			ai = i
		}
	}
	assert.Less(t, ai, zi)
}
