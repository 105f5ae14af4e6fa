package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcc-rpc/internal/domain"
)

func TestRegistryRoundRobinFairness(t *testing.T) {
	r := newRegistry()
	for id := connID(1); id <= 3; id++ {
		r.add("chat", id, []string{"send"})
	}

	const calls = 10
	counts := map[connID]int{}
	var seq []connID
	for range calls {
		id, err := r.pick("chat", "send")
		require.NoError(t, err)
		counts[id]++
		seq = append(seq, id)
	}

	for id, c := range counts {
		assert.True(t, c == calls/3 || c == calls/3+1, "provider %d got %d calls", id, c)
	}
	for i := 3; i < len(seq); i++ {
		assert.Equal(t, seq[i-3], seq[i], "sequence must be cyclic")
	}
}

func TestRegistryCursorResetOnRemoval(t *testing.T) {
	r := newRegistry()
	r.add("chat", 1, []string{"send"})
	r.add("chat", 2, []string{"send"})
	r.add("chat", 3, []string{"send"})

	first, _ := r.pick("chat", "send")
	assert.Equal(t, connID(1), first)
	second, _ := r.pick("chat", "send")
	assert.Equal(t, connID(2), second)

	touched, emptied := r.removeConn(2)
	assert.Equal(t, []string{"chat"}, touched)
	assert.Empty(t, emptied)

	next, err := r.pick("chat", "send")
	require.NoError(t, err)
	assert.Equal(t, connID(1), next, "cursor resets to the first remaining provider")
}

func TestRegistryRemoveLastProviderDropsNamespace(t *testing.T) {
	r := newRegistry()
	r.add("echo", 7, []string{"ping"})
	r.add("file", 7, []string{"get"})
	r.add("file", 8, []string{"get"})

	touched, emptied := r.removeConn(7)
	assert.Equal(t, []string{"echo", "file"}, touched)
	assert.Equal(t, []string{"echo"}, emptied)
	assert.Equal(t, []string{"file"}, r.list())

	_, err := r.pick("echo", "ping")
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestRegistryUnknownMethod(t *testing.T) {
	r := newRegistry()
	r.add("echo", 1, []string{"ping"})

	_, err := r.pick("echo", "pong")
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
	_, err = r.pick("nope", "ping")
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestRegistrySkipsProvidersWithoutMethod(t *testing.T) {
	r := newRegistry()
	r.add("login", 1, []string{"login"})
	r.add("login", 2, []string{"login", "post_oauth"})

	for range 3 {
		id, err := r.pick("login", "post_oauth")
		require.NoError(t, err)
		assert.Equal(t, connID(2), id)
	}
}

func TestRegistryAddMergesMethods(t *testing.T) {
	r := newRegistry()
	r.add("chat", 1, []string{"send"})
	r.add("chat", 1, []string{"join"})

	assert.Equal(t, map[string]int{"chat": 1}, r.providerCounts())
	methods, ok := r.methodsOf("chat")
	require.True(t, ok)
	assert.Equal(t, []string{"join", "send"}, methods)

	_, ok = r.methodsOf("missing")
	assert.False(t, ok)
}

func TestRegistryCursorClampedAfterShrink(t *testing.T) {
	r := newRegistry()
	r.add("ns", 1, []string{"m"})
	r.add("ns", 2, []string{"m"})
	r.namespaces["ns"].cursor = 5

	id, err := r.pick("ns", "m")
	require.NoError(t, err)
	assert.Equal(t, connID(1), id)
}
