package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/aof/pkg/types"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "project.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadProject(t *testing.T) {
	path := writeYAML(t, `
id: payments
name: Payments Platform
participants: [agent-a, agent-b]
defaultSlaMs: 7200000
orgChart:
  roles:
    dev: {title: Developer}
    qa: {title: QA}
workflows:
  feature:
    gates:
      - id: dev-review
        role: dev
        timeoutMs: 60000
        escalateTo: qa
      - id: qa-review
        role: qa
        when: tags.includes("risky")
teams:
  core:
    orchestrator: boss
    members: [agent-a, agent-b]
    triggers:
      queueEmpty: true
      completionBatch: {threshold: 5}
`)

	p, err := LoadProject(path)
	require.NoError(t, err)
	assert.Equal(t, "payments", p.ID)
	assert.Equal(t, 2*time.Hour, p.DefaultSLA())

	wf := p.Workflow("feature")
	require.NotNil(t, wf)
	require.Len(t, wf.Gates, 2)

	gate, idx := wf.Gate("qa-review")
	require.NotNil(t, gate)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "qa", gate.Role)
	assert.NotEmpty(t, gate.When)

	gate, idx = wf.Gate("missing")
	assert.Nil(t, gate)
	assert.Equal(t, -1, idx)

	team := p.Teams["core"]
	require.NotNil(t, team)
	assert.Equal(t, "boss", team.Orchestrator)
	assert.True(t, team.Triggers.QueueEmpty)
	assert.Equal(t, 5, team.Triggers.CompletionBatch.Threshold)
}

func TestLoadProjectErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing id",
			body:    "name: nameless\n",
			wantErr: "project id is required",
		},
		{
			name:    "whitespace id",
			body:    "id: \"   \"\n",
			wantErr: "project id is required",
		},
		{
			name:    "malformed yaml",
			body:    "id: [unclosed\n",
			wantErr: "parse manifest",
		},
		{
			name: "workflow without gates",
			body: `
id: p
workflows:
  empty:
    gates: []
`,
			wantErr: `workflow "empty" has no gates`,
		},
		{
			name: "gate without id",
			body: `
id: p
orgChart:
  roles:
    dev: {}
workflows:
  wf:
    gates:
      - role: dev
`,
			wantErr: "gate without an id",
		},
		{
			name: "duplicate gate id",
			body: `
id: p
orgChart:
  roles:
    dev: {}
workflows:
  wf:
    gates:
      - {id: g1, role: dev}
      - {id: g1, role: dev}
`,
			wantErr: `repeats gate "g1"`,
		},
		{
			name: "gate without role",
			body: `
id: p
workflows:
  wf:
    gates:
      - id: g1
`,
			wantErr: `gate "g1" has no role`,
		},
		{
			name: "unknown gate role",
			body: `
id: p
orgChart:
  roles:
    dev: {}
workflows:
  wf:
    gates:
      - {id: g1, role: ghost}
`,
			wantErr: `unknown role "ghost"`,
		},
		{
			name: "unknown escalation target",
			body: `
id: p
orgChart:
  roles:
    dev: {}
workflows:
  wf:
    gates:
      - {id: g1, role: dev, escalateTo: ghost}
`,
			wantErr: `escalates to unknown role "ghost"`,
		},
		{
			name: "team without orchestrator",
			body: `
id: p
teams:
  core:
    members: [a]
`,
			wantErr: `team "core" has no orchestrator`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProject(writeYAML(t, tt.body))
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadProject(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "read manifest")
	})
}

func TestIsParticipant(t *testing.T) {
	open := &Project{ID: "p"}
	assert.True(t, open.IsParticipant("anyone"), "empty list admits every agent")

	closed := &Project{ID: "p", Participants: []string{"agent-a"}}
	assert.True(t, closed.IsParticipant("agent-a"))
	assert.False(t, closed.IsParticipant("agent-b"))
}

func TestDefaultSLAFallback(t *testing.T) {
	p := &Project{ID: "p"}
	assert.Equal(t, types.DefaultSLAMaxInProgress, p.DefaultSLA())

	p.DefaultSLAMs = 1500
	assert.Equal(t, 1500*time.Millisecond, p.DefaultSLA())
}

func TestHasRole(t *testing.T) {
	var nilChart *OrgChart
	assert.False(t, nilChart.HasRole("dev"))

	chart := &OrgChart{Roles: map[string]Role{"dev": {}}}
	assert.True(t, chart.HasRole("dev"))
	assert.False(t, chart.HasRole("qa"))
}

func TestLoadService(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadService(NewViper(), "")
		require.NoError(t, err)
		assert.Equal(t, types.DefaultPollInterval, cfg.PollInterval)
		assert.Equal(t, types.DefaultMaxConcurrent, cfg.MaxConcurrent)
		assert.True(t, cfg.CascadeBlocks)
		assert.False(t, cfg.DryRun)
		assert.Equal(t, ":9464", cfg.MetricsAddr)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, ".", cfg.ProjectRoot, "bare config defaults to the current directory")
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aof.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
vault_root: /srv/vault
poll_interval: 10s
dry_run: true
max_concurrent_dispatches: 2
`), 0o644))

		cfg, err := LoadService(NewViper(), path)
		require.NoError(t, err)
		assert.Equal(t, "/srv/vault", cfg.VaultRoot)
		assert.Empty(t, cfg.ProjectRoot)
		assert.Equal(t, 10*time.Second, cfg.PollInterval)
		assert.True(t, cfg.DryRun)
		assert.Equal(t, 2, cfg.MaxConcurrent)
		assert.Equal(t, types.DefaultPollTimeout, cfg.PollTimeout, "unset keys keep their defaults")
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("AOF_DRY_RUN", "true")
		cfg, err := LoadService(NewViper(), "")
		require.NoError(t, err)
		assert.True(t, cfg.DryRun)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadService(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "read config")
	})
}
