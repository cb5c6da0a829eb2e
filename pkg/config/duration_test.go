package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	var out struct {
		D Duration `yaml:"d"`
	}

	require.NoError(t, yaml.Unmarshal([]byte(`d: "5m"`), &out))
	assert.Equal(t, Duration(5*time.Minute), out.D)

	require.NoError(t, yaml.Unmarshal([]byte(`d: 1h30m`), &out))
	assert.Equal(t, Duration(90*time.Minute), out.D)

	// bare numbers are seconds
	require.NoError(t, yaml.Unmarshal([]byte(`d: 300`), &out))
	assert.Equal(t, Duration(300*time.Second), out.D)

	assert.Error(t, yaml.Unmarshal([]byte(`d: "soon"`), &out))
}

func TestDurationString(t *testing.T) {
	assert.Equal(t, "1m30s", Duration(90*time.Second).String())
}
