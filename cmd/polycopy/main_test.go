package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polycopy/internal/config"
)

func liveConfigWithoutKey() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "mirror"
	cfg.DryRun = false
	return &cfg
}

func TestValidateForRunNeedsKey(t *testing.T) {
	err := validateFor("run", liveConfigWithoutKey())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private_key")

	require.Error(t, validateFor("", liveConfigWithoutKey()))
}

func TestValidateForInspectionSkipsCredentials(t *testing.T) {
	assert.NoError(t, validateFor("status", liveConfigWithoutKey()))
	assert.NoError(t, validateFor("config", liveConfigWithoutKey()))

	cfg := liveConfigWithoutKey()
	cfg.State.StatusPath = ""
	assert.Error(t, validateFor("status", cfg))
}
