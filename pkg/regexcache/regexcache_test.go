package regexcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCaches(t *testing.T) {
	Clear()
	a, err := Get(`root:[x*]:0:0:`)
	require.NoError(t, err)
	b, err := Get(`root:[x*]:0:0:`)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, Size())
}

func TestGetInvalid(t *testing.T) {
	_, err := Get(`[unterminated`)
	assert.Error(t, err)
	assert.Panics(t, func() { MustGet(`(`) })
}

func TestGetAll(t *testing.T) {
	res, err := GetAll([]string{`(?i)SQL syntax`, `ORA-\d{4,}`})
	require.NoError(t, err)
	assert.Len(t, res, 2)
	assert.True(t, res[1].MatchString("ORA-01756"))

	_, err = GetAll([]string{`ok`, `(`})
	assert.ErrorContains(t, err, `"("`)
}

func TestConcurrentGet(t *testing.T) {
	Clear()
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			MustGet(`vaprobe\d+`)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, Size())
}
