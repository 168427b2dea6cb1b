package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Timeout time.Duration
	Retries int
}

type sample struct {
	Name    string
	Port    int
	Enabled bool
	Tags    []string
	Sub     nested
	SubPtr  *nested
	Extra   map[string]string
}

func TestMergeConfigOverridesNonZero(t *testing.T) {
	dst := &sample{
		Name: "default",
		Port: 8080,
		Sub:  nested{Timeout: time.Second, Retries: 3},
	}
	src := &sample{
		Port: 9090,
		Sub:  nested{Timeout: 2 * time.Second},
	}

	merged, err := MergeConfig(dst, src)
	require.NoError(t, err)

	// 零值不覆盖
	assert.Equal(t, "default", merged.Name)
	// 非零值覆盖
	assert.Equal(t, 9090, merged.Port)
	// 嵌套结构体字段级合并
	assert.Equal(t, 2*time.Second, merged.Sub.Timeout)
	assert.Equal(t, 3, merged.Sub.Retries)
}

func TestMergeConfigNilHandling(t *testing.T) {
	_, err := MergeConfig[sample](nil, nil)
	assert.ErrorIs(t, err, ErrNilConfig)

	src := &sample{Name: "src"}
	merged, err := MergeConfig(nil, src)
	require.NoError(t, err)
	assert.Same(t, src, merged)

	dst := &sample{Name: "dst"}
	merged, err = MergeConfig(dst, nil)
	require.NoError(t, err)
	assert.Same(t, dst, merged)
}

func TestMergeConfigSliceReplacedWholesale(t *testing.T) {
	dst := &sample{Tags: []string{"a", "b"}}
	src := &sample{Tags: []string{"c"}}

	merged, err := MergeConfig(dst, src)
	require.NoError(t, err)
	// 切片整体覆盖，不做元素级追加
	assert.Equal(t, []string{"c"}, merged.Tags)
}

func TestMergeConfigPointerAndMap(t *testing.T) {
	dst := &sample{Extra: map[string]string{"k1": "v1"}}
	src := &sample{
		SubPtr: &nested{Retries: 5},
		Extra:  map[string]string{"k2": "v2"},
	}

	merged, err := MergeConfig(dst, src)
	require.NoError(t, err)
	require.NotNil(t, merged.SubPtr)
	assert.Equal(t, 5, merged.SubPtr.Retries)
	assert.Equal(t, "v1", merged.Extra["k1"])
	assert.Equal(t, "v2", merged.Extra["k2"])
}
