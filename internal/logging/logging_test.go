package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "warn", "json")
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Str("account", "a").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "a", entry["account"])
	assert.Equal(t, "warn", entry["level"])
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil, "loud", "json")
	assert.Error(t, err)

	_, err = New(nil, "info", "xml")
	assert.Error(t, err)
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "j**n@e*****e.c*m", MaskEmail("john@example.com"))
	assert.Equal(t, "*@x*y.io", MaskEmail("a@xzy.io"))
	assert.Equal(t, "not-an-address", MaskEmail("not-an-address"))
	assert.Equal(t, "@example.com", MaskEmail("@example.com"))
}

func TestRedactEmailsIn(t *testing.T) {
	got := RedactEmailsIn("login failed for john@example.com on host")
	assert.Equal(t, "login failed for j**n@e*****e.c*m on host", got)
}
