package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := NewDefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 500*time.Millisecond, c.LockTimeout.Duration)
	assert.NotEmpty(t, c.LogLevel)
}

func TestValidate(t *testing.T) {
	c := NewDefaultConfig()
	c.LockTimeout = NewDuration(-time.Second)
	require.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.LogLevel = "loud"
	require.Error(t, c.Validate())

	c = NewDefaultConfig()
	c.LockTimeout = NewDuration(0)
	require.NoError(t, c.Validate())
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1.5s")))
	assert.Equal(t, 1500*time.Millisecond, d.Duration)

	out, err := NewDuration(2 * time.Second).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2s", string(out))

	require.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestLoadFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "repo.toml")
	data := `
log-level = "warn"
lock-timeout = "2s"
`
	require.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", c.LogLevel)
	assert.Equal(t, 2*time.Second, c.LockTimeout.Duration)
}

func TestLoadFilePartial(t *testing.T) {
	dir, err := ioutil.TempDir("", "config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	// Unset fields keep their defaults.
	path := filepath.Join(dir, "repo.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`log-level = "debug"`), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 500*time.Millisecond, c.LockTimeout.Duration)
}

func TestLoadFileInvalid(t *testing.T) {
	dir, err := ioutil.TempDir("", "config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "repo.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`lock-timeout = "-1s"`), 0644))
	_, err = Load(path)
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}
