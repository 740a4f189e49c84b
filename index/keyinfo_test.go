package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingKeys struct {
	staticKeys
	calls int
}

func (c *countingKeys) Get(store, key string) (KeyInformation, bool) {
	c.calls++
	return c.staticKeys.Get(store, key)
}

func TestCachedRetriever(t *testing.T) {
	base := &countingKeys{staticKeys: staticKeys{"s/k": {DataType: TypeInt}}}
	r, err := NewCachedRetriever(base, 8)
	require.NoError(t, err)

	info, ok := r.Get("s", "k")
	require.True(t, ok)
	assert.Equal(t, TypeInt, info.DataType)

	_, _ = r.Get("s", "k")
	assert.Equal(t, 1, base.calls)

	// Misses go to the base every time
	_, ok = r.Get("s", "missing")
	assert.False(t, ok)
	_, _ = r.Get("s", "missing")
	assert.Equal(t, 3, base.calls)

	base.staticKeys["s/missing"] = KeyInformation{}
	_, ok = r.Get("s", "missing")
	assert.True(t, ok)
}

func TestCachedRetriever_InvalidateStore(t *testing.T) {
	base := staticKeys{"a/k": {}, "b/k": {}}
	r, err := NewCachedRetriever(base, 8)
	require.NoError(t, err)

	r.Get("a", "k")
	r.Get("b", "k")
	require.Equal(t, 2, r.Len())

	r.Invalidate("a")
	assert.Equal(t, 1, r.Len())
}

func TestNewCachedRetriever_RequiresBase(t *testing.T) {
	_, err := NewCachedRetriever(nil, 8)
	assert.Error(t, err)
}
