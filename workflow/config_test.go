package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
ephemeral_workflow_names: [login_workflow]
default_cache_expiry: 2h
lane_change_message:
  title: Moved
  body: Someone else now
liveness_window: 30s
sync_workers: 2
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"login_workflow"}, cfg.EphemeralWorkflowNames)
	assert.Equal(t, 2*time.Hour, cfg.DefaultCacheExpiry.Std())
	assert.Equal(t, "Moved", cfg.LaneChangeMessage.Title)
	assert.Equal(t, 30*time.Second, cfg.LivenessWindow.Std())
	assert.Equal(t, 2, cfg.SyncWorkers)
	// 没写的用默认值
	assert.Equal(t, 3, cfg.RequestRetryMax)
	assert.Equal(t, 10*time.Second, cfg.LockTTL.Std())

	assert.True(t, cfg.IsEphemeral("login_workflow"))
	assert.False(t, cfg.IsEphemeral("approval_workflow"))
}

func TestParseConfigInvalid(t *testing.T) {
	cases := map[string]string{
		"非法时间":     "default_cache_expiry: soon",
		"worker 为 0": "sync_workers: 0",
		"重试次数太多":   "request_retry_max: 100",
		"不是 yaml":    "::: [",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParamInvalid))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanework.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock_ttl: 5s\n"), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.LockTTL.Std())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Zero(t, DefaultConfig().DefaultCacheExpiry)
}
