package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.EqualValues(t, "us-east-1", conf.AWS.Region)
	assert.EqualValues(t, "ansible-", conf.Secrets.Prefix)
	assert.EqualValues(t, "/tmp/ansible/secrets.yaml", conf.Secrets.File)
	assert.EqualValues(t, "ansible-playbook", conf.Runner.AnsiblePath)
	assert.True(t, conf.Runner.Terminate)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[aws]
region = "us-west-2"

[runner]
bucket = "fleet-assets"
hosts_file = "hosts"
site_file = "site.yml"
packages = ["ansible2"]

[events]
sinks = ["log", "eventbridge"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))
	t.Setenv("FUNC_NAME", "grace-ansible-cleanup")
	t.Setenv("BUCKET", "override-bucket")

	conf, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, "us-west-2", conf.AWS.Region)
	assert.EqualValues(t, "override-bucket", conf.Runner.Bucket)
	assert.EqualValues(t, "site.yml", conf.Runner.SiteFile)
	assert.EqualValues(t, []string{"ansible2"}, conf.Runner.Packages)
	assert.EqualValues(t, []string{"log", "eventbridge"}, conf.Events.Sinks)
	assert.EqualValues(t, "grace-ansible-cleanup", conf.Cleanup.Function)
	assert.EqualValues(t, "gov.gsa.ansible", conf.Events.Source)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[aws\nregion ="), 0600))
	_, err := Load(path)
	assert.NotNil(t, err)
}
