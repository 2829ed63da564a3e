package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const liveSettings = `site_name: Veridoc QA
default_locale: en-GB
smtp_password: hunter2
features:
  ai_drafting: false
  audit_reminders: true
qdrant:
  api_key: qd-secret
  collection_prefix: veridoc
`

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestIsSecretKey(t *testing.T) {
	secret := []string{"smtp_password", "api_key", "apikey", "oauth_token", "database_dsn", "aws_secret_access_key", "key"}
	for _, k := range secret {
		assert.True(t, IsSecretKey(k), k)
	}
	public := []string{"site_name", "keyboard_layout", "monkeypatch", "retention", "default_locale"}
	for _, k := range public {
		assert.False(t, IsSecretKey(k), k)
	}
}

func TestCaptureExcludesSecrets(t *testing.T) {
	a := NewAdapter(writeSettings(t, liveSettings))
	stage := t.TempDir()

	snap, err := a.Capture(context.Background(), stage)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Records) // site_name, default_locale, 2 features, collection_prefix
	assert.Equal(t, int64(2), snap.Detail["secrets_excluded"])

	b, err := os.ReadFile(filepath.Join(stage, payloadFile))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")
	assert.NotContains(t, string(b), "qd-secret")
	assert.Contains(t, string(b), "Veridoc QA")
}

func TestApplyKeepsLiveSecrets(t *testing.T) {
	live := writeSettings(t, liveSettings)
	a := NewAdapter(live)
	stage := t.TempDir()
	_, err := a.Capture(context.Background(), stage)
	require.NoError(t, err)

	// change a non-secret live value, then restore the capture
	require.NoError(t, os.WriteFile(live, []byte("site_name: Tampered\nsmtp_password: hunter2\n"), 0o600))
	require.NoError(t, a.Apply(context.Background(), stage, nil))

	b, err := os.ReadFile(live)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(b, &doc))
	assert.Equal(t, "Veridoc QA", doc["site_name"])
	assert.Equal(t, "hunter2", doc["smtp_password"]) // provisioned out of band, survives
}

func TestMissingSettingsFileCapturesEmpty(t *testing.T) {
	a := NewAdapter(filepath.Join(t.TempDir(), "absent.yaml"))
	snap, err := a.Capture(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Records)
}

func TestDisabledAdapterIsInert(t *testing.T) {
	a := NewAdapter("")
	snap, err := a.Capture(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Groups)
	require.NoError(t, a.Apply(context.Background(), t.TempDir(), nil))
	h := a.Verify(context.Background())
	assert.True(t, h.Reachable)
}

func TestPurgeLeavesSettingsUntouched(t *testing.T) {
	live := writeSettings(t, liveSettings)
	a := NewAdapter(live)
	require.NoError(t, a.Purge(context.Background()))
	b, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, liveSettings, string(b))
}
