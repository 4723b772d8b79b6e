package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Herald/internal/model"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
zookeeper:
  connect: zk1:2181,zk2:2181/herald
  session_timeout: 15s
service:
  mode: service
  log: stderr
  db: /var/lib/herald/runs.db
  stop_timeout: 1m
  parallelism: 8
  report:
    dir: /var/lib/herald/reports
    url: https://reports.example.com
runnables:
  - name: echo
    path: /bin/sh
    args: ["-c", "while read l; do echo $l; done"]
    env:
      LC_ALL: C
    timeout: 1h
schedules:
  - cron: "*/5 * * * *"
    runnable: echo
    command: rotate
    options:
      keep: "3"
  - duration: PT30S
    command: ping
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "zk1:2181,zk2:2181/herald", cfg.ZooKeeper.Connect)
	require.Equal(t, 15*time.Second, cfg.ZooKeeper.Timeout())
	require.Equal(t, model.ServiceModeService, cfg.Service.Mode)
	require.Equal(t, time.Minute, cfg.Service.StopAfter())
	require.Equal(t, 8, cfg.Service.Workers())
	require.NotNil(t, cfg.Service.DB)
	require.Equal(t, "https://reports.example.com", *cfg.Service.Report.URL)

	require.Len(t, cfg.Runnables, 1)
	echo, err := cfg.Runnable("echo")
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", echo.Path)
	require.Equal(t, "C", echo.Env["LC_ALL"])
	require.Equal(t, time.Hour, echo.MaxDuration())

	require.Len(t, cfg.Schedules, 2)
	require.Equal(t, "3", cfg.Schedules[0].Options["keep"])
	require.Empty(t, cfg.Schedules[1].Runnable)
	require.Equal(t, "PT30S", *cfg.Schedules[1].Duration)

	_, err = cfg.Runnable("missing")
	require.ErrorIs(t, err, model.ErrUnknownRunnable)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("zookeeper:\n  connect: localhost:2181\n"))
	require.NoError(t, err)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	require.Equal(t, model.DefaultSessionTimeout, cfg.ZooKeeper.Timeout())
	require.Equal(t, model.DefaultStopTimeout, cfg.Service.StopAfter())
	require.Equal(t, 4, cfg.Service.Workers())
	require.Empty(t, cfg.Runnables)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		path     string
		contains string
	}{
		{
			scenario: "missing connect",
			given:    "service:\n  mode: manual\n",
			path:     "zookeeper.connect",
		},
		{
			scenario: "invalid mode",
			given:    "zookeeper:\n  connect: zk:2181\nservice:\n  mode: timer\n",
			path:     "service.mode",
		},
		{
			scenario: "unknown field",
			given:    "zookeeper:\n  connect: zk:2181\n  chroot: /x\n",
			path:     "zookeeper.chroot",
		},
		{
			scenario: "bad duration",
			given:    "zookeeper:\n  connect: zk:2181\n  session_timeout: soon\n",
			path:     "zookeeper.session_timeout",
		},
		{
			scenario: "cron and duration",
			given: `
zookeeper: {connect: "zk:2181"}
schedules:
  - {cron: "@hourly", duration: PT1H, command: x}
`,
			contains: "exactly one of cron or duration",
		},
		{
			scenario: "bad cron",
			given: `
zookeeper: {connect: "zk:2181"}
schedules:
  - {cron: "* * 32 * *", command: x}
`,
			contains: "schedules[0].cron",
		},
		{
			scenario: "bad report url",
			given:    "zookeeper:\n  connect: zk:2181\nservice:\n  report:\n    url: ftp://x\n",
			path:     "service.report.url",
		},
		{
			scenario: "unknown runnable",
			given: `
zookeeper: {connect: "zk:2181"}
schedules:
  - {cron: "@hourly", runnable: ghost, command: x}
`,
			contains: "unknown runnable: ghost",
		},
		{
			scenario: "duplicate runnable",
			given: `
zookeeper: {connect: "zk:2181"}
runnables:
  - {name: a, path: /bin/true}
  - {name: a, path: /bin/false}
`,
			contains: `duplicate name "a"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			if tc.contains != "" {
				require.ErrorContains(t, err, tc.contains)
			}
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			if tc.path == "" {
				return
			}
			var paths []string
			for _, d := range details {
				paths = append(paths, d.Path)
			}
			require.Contains(t, paths, tc.path)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())

	// the default config is written as YAML and must load back
	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(cfg))
	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestRunID(t *testing.T) {
	id := model.NewRunID()
	parsed, err := model.ParseRunID(strings.ToUpper(id))
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = model.ParseRunID("not-a-run")
	require.ErrorIs(t, err, model.ErrRunID)
}
