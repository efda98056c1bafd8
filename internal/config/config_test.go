package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const validConfig = `
consumers:
  - name: linker
    topics: [sync.batches]
    debounce_seconds: 60
  - name: analyzer
    topics: [posture.linked]
    requires_full_context: true
admin_role_names:
  - Global Administrator
owned_alert_types:
  - mfa_not_enforced
  - mfa_partial_enforced
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSnapshot(t *testing.T) {
	l := NewLoader(writeConfig(t, validConfig), false, testLogger())

	cfg, err := l.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, cfg.Consumers, 2)
	assert.Equal(t, "linker", cfg.Consumers[0].Name)
	assert.Equal(t, 60*time.Second, cfg.Consumers[0].DebounceWindow())
	assert.True(t, cfg.Consumers[1].RequiresFullContext)
	// Unset debounce falls back to the 300 second default.
	assert.Equal(t, 300*time.Second, cfg.Consumers[1].DebounceWindow())
	assert.Equal(t, []string{"Global Administrator"}, cfg.AdminRoleNames)
}

func TestLoadSnapshot_EmptyPathUsesDefaults(t *testing.T) {
	l := NewLoader("", false, testLogger())

	cfg, err := l.LoadSnapshot()
	require.NoError(t, err)
	assert.Len(t, cfg.Consumers, 2)
	assert.NotEmpty(t, cfg.AdminRoleNames)
	assert.NotEmpty(t, cfg.OwnedAlertTypes)
}

func TestLoadSnapshot_InvalidKeepsLastGood(t *testing.T) {
	path := writeConfig(t, validConfig)
	l := NewLoader(path, false, testLogger())

	first, err := l.LoadSnapshot()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("consumers: [ {name: \"\" } ]"), 0o644))
	_, err = l.LoadSnapshot()
	assert.Error(t, err)

	// The working snapshot survives the failed reload.
	current := l.GetSnapshot()
	assert.Equal(t, first.Version, current.Version)
	assert.Len(t, current.Consumers, 2)
}

func TestLoadSnapshot_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"duplicate consumer": `
consumers:
  - {name: a, topics: [x]}
  - {name: a, topics: [y]}
owned_alert_types: [t]
`,
		"no topics": `
consumers:
  - {name: a, topics: []}
owned_alert_types: [t]
`,
		"no owned types": `
consumers:
  - {name: a, topics: [x]}
owned_alert_types: []
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			l := NewLoader(writeConfig(t, content), false, testLogger())
			_, err := l.LoadSnapshot()
			assert.Error(t, err)
		})
	}
}

func TestSubscribe_NotifiesOnReload(t *testing.T) {
	l := NewLoader(writeConfig(t, validConfig), false, testLogger())
	ch := l.Subscribe()

	_, err := l.LoadSnapshot()
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected snapshot notification")
	}
}
