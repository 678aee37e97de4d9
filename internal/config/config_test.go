package config

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.FileExists(t, cfg.Path())
	assert.Equal(t, BanThresholdUnset, cfg.GetMaster().BanThreshold)
	assert.True(t, cfg.NeedsSetup(RoleMaster))
	assert.False(t, cfg.NeedsSetup(RoleClient))
}

func TestLoadKeepsSavedValuesAndFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"master":{"port":7000,"ban_threshold":3}}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	m := cfg.GetMaster()
	assert.Equal(t, 7000, m.Port)
	assert.Equal(t, 3, m.BanThreshold)
	assert.Equal(t, 5, m.ChallengeTimeoutSec)
	assert.False(t, cfg.NeedsSetup(RoleMaster))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tick_interval_ms")
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("cluster")
	require.NoError(t, err)
	assert.Equal(t, RoleCluster, role)

	_, err = ParseRole("relay")
	assert.Error(t, err)
}

func fieldsOf(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestValidateMasterBanThreshold(t *testing.T) {
	cfg := DefaultConfig()
	result := Validate(cfg, RoleMaster)
	assert.False(t, result.IsValid())
	assert.Contains(t, fieldsOf(result.Errors), "master.ban_threshold")

	cfg.Master.BanThreshold = 0
	assert.True(t, Validate(cfg, RoleMaster).IsValid())
}

func TestValidateAPIToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Master.BanThreshold = 5
	cfg.ApplicationData.API.Enabled = true

	result := Validate(cfg, RoleMaster)
	assert.Contains(t, fieldsOf(result.Errors), "application_data.api.token")

	cfg.ApplicationData.API.AuthDisabled = true
	assert.True(t, Validate(cfg, RoleMaster).IsValid())
}

func TestValidateCluster(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, Validate(cfg, RoleCluster).IsValid())

	cfg.Cluster.AdvertisedIP = "not-an-ip"
	cfg.Cluster.Name = " "
	result := Validate(cfg, RoleCluster)
	assert.ElementsMatch(t, []string{"cluster.advertised_ip", "cluster.name"}, fieldsOf(result.Errors))
}

func TestValidateWarnsOnPrivilegedPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Client.Port = 80
	result := Validate(cfg, RoleClient)
	assert.True(t, result.IsValid())
	assert.Contains(t, fieldsOf(result.Warnings), "client.port")
}

func TestDurations(t *testing.T) {
	assert.Equal(t, "33ms", ApplicationData{}.TickInterval().String())
	assert.Equal(t, "5s", ClusterConfig{}.ReconnectInterval().String())
	assert.Equal(t, "2s", MasterConfig{ChallengeTimeoutSec: 2}.ChallengeTimeout().String())
}

func TestSetupWizardMaster(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	// port, max conns, keys dir, timeout, ban threshold, mqtt
	input := "\n\n\n\n3\nno\n"
	var out bytes.Buffer
	require.NoError(t, runSetup(cfg, RoleMaster, bufio.NewReader(strings.NewReader(input)), &out, 1))

	assert.Equal(t, 3, cfg.GetMaster().BanThreshold)
	assert.Contains(t, out.String(), "Configuration saved to")
	assert.FileExists(t, cfg.Path())
}

func TestSetupWizardGivesUpAfterRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	// An empty name fails validation. Answer "no" to the retry prompt.
	input := " \n\n\n\n\n\n\nno\nno\n"
	var out bytes.Buffer
	cfg.Cluster.Name = ""
	err := runSetup(cfg, RoleCluster, bufio.NewReader(strings.NewReader(input)), &out, 1)
	require.Error(t, err)
	assert.Contains(t, out.String(), "cluster.name")
	assert.NoFileExists(t, cfg.Path())
}
