package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/classify"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync", "config.yaml")

	cmd := newInitCmd(&path)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), path)

	cfg, err := model.LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "work", cfg.Accounts[0].ID)
	assert.Equal(t, 993, cfg.Accounts[0].Port)
	assert.Equal(t, "keyring:work-imap", cfg.Accounts[0].Password)

	// A second run refuses to overwrite.
	again := newInitCmd(&path)
	again.SetOut(&out)
	again.SetErr(&out)
	again.SetArgs(nil)
	assert.Error(t, again.Execute())
}

func TestRun_RejectsInvalidAccounts(t *testing.T) {
	cfg := model.DefaultAppConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "mailsync.db")

	err := run(context.Background(), cfg, zerolog.Nop())
	var cfgErr *source.ConfigError
	require.True(t, errors.As(err, &cfgErr))
}

func TestNewClassifier(t *testing.T) {
	c, err := newClassifier(model.ClassifyConfig{}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, classify.Heuristic{}, c)

	c, err = newClassifier(model.ClassifyConfig{APIKey: "sk-test"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &classify.LLM{}, c)
}
