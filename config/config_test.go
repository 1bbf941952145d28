package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philpearl/bulkload/datastore"
	"github.com/philpearl/bulkload/loader"
	"github.com/philpearl/bulkload/objectstore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bulkload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8123", cfg.Server.Addr)
	assert.Equal(t, SinkInsert, cfg.Sink.Type)
	assert.Equal(t, Delimiter('|'), cfg.Sink.Delimiter)
	assert.Equal(t, datastore.ImplDevelopment, cfg.Datastore.Implementation)
	assert.Equal(t, uint(5), cfg.Datastore.Postgres.ConnectAttempts)
	assert.Equal(t, objectstore.ImplMemory, cfg.ObjectStore.Implementation)
	assert.True(t, cfg.Retry.Enabled)
	assert.Equal(t, loader.Unbounded, cfg.Retry.MaxRetries)

	lc := cfg.LoaderConfig("t", nil)
	exp := loader.DefaultConfig()
	exp.Table = "t"
	assert.Equal(t, exp, lc)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: localhost:9999
  metricsAddr: ""
log:
  level: debug
loader:
  threshold: 500
  idleFlushPeriod: 2s
  maxActiveFlushes: 4
tables:
  Events:
    threshold: 10
    serializeCommits: true
sink:
  type: staged
  delimiter: tab
  keyPrefix: loads
  credentials: aws_iam_role=arn:aws:iam::1:role/x
  cleanup: true
datastore:
  implementation: postgres
  postgres:
    connection:
      host: db
      dbname: warehouse
    connectDelay: 250ms
objectStore:
  implementation: s3
  bucket: staging
  s3:
    region: eu-west-1
retry:
  timeSlot: 100ms
  maxDelay: 5
  maxRetries: 3
  backoff: exponential
spill:
  dir: /var/spill
monitor:
  stageLatency: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:9999", cfg.Server.Addr)
	assert.Equal(t, "", cfg.Server.MetricsAddr)
	assert.Equal(t, Delimiter('\t'), cfg.Sink.Delimiter)
	assert.Equal(t, map[string]string{"host": "db", "dbname": "warehouse"}, cfg.Datastore.Postgres.Connection)
	assert.Equal(t, 250*time.Millisecond, cfg.Datastore.Postgres.ConnectDelay)
	assert.Equal(t, "eu-west-1", cfg.ObjectStore.S3.Region)
	assert.Equal(t, "/var/spill", cfg.Spill.Dir)
	assert.Equal(t, time.Minute, cfg.MonitorConfig().StageLatency)

	base := cfg.LoaderConfig("other", []string{"a"})
	assert.Equal(t, loader.Config{
		Table:            "other",
		Fields:           []string{"a"},
		Threshold:        500,
		IdleFlushPeriod:  2 * time.Second,
		MaxActiveFlushes: 4,
	}, base)

	events := cfg.LoaderConfig("Events", nil)
	assert.Equal(t, 10, events.Threshold)
	assert.True(t, events.SerializeCommits)
	assert.Equal(t, 2*time.Second, events.IdleFlushPeriod)

	rc, err := cfg.RetryConfig()
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, rc.TimeSlot)
	assert.Equal(t, 5, rc.MaxDelay)
	assert.Equal(t, 3, rc.MaxRetries)
	assert.NotNil(t, rc.Calculation)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("BULKLOAD_LOADER_THRESHOLD", "42")
	t.Setenv("BULKLOAD_DATASTORE_IMPLEMENTATION", "blackhole")
	t.Setenv("BULKLOAD_SINK_DELIMITER", ",")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Loader.Threshold)
	assert.Equal(t, datastore.ImplBlackhole, cfg.Datastore.Implementation)
	assert.Equal(t, Delimiter(','), cfg.Sink.Delimiter)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		errs []string
	}{
		{
			name: "bad values",
			body: `
loader:
  threshold: 0
sink:
  type: carrier-pigeon
retry:
  backoff: fibonacci
log:
  level: loud
`,
			errs: []string{"threshold must be positive", `unknown sink type "carrier-pigeon"`, `unknown retry backoff "fibonacci"`, "log.level"},
		},
		{
			name: "staged without bucket",
			body: `
sink:
  type: staged
`,
			errs: []string{"objectStore.bucket is required"},
		},
		{
			name: "bad table override",
			body: `
tables:
  t:
    idleFlushPeriod: 0s
`,
			errs: []string{"tables.t", "idle flush period must be positive"},
		},
		{
			name: "bad delimiter",
			body: `
sink:
  delimiter: ab
`,
			errs: []string{"must be a single byte"},
		},
		{
			name: "bad monitor",
			body: `
monitor:
  activeFlushes: 0
`,
			errs: []string{"monitor.activeFlushes must be positive"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, test.body))
			require.Error(t, err)
			for _, e := range test.errs {
				assert.Contains(t, err.Error(), e)
			}
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseQuoting(t *testing.T) {
	q, err := ParseQuoting("dollar")
	require.NoError(t, err)
	assert.Equal(t, loader.QuoteDollar, q)

	q, err = ParseQuoting("doubling")
	require.NoError(t, err)
	assert.Equal(t, loader.QuoteDoubling, q)

	q, err = ParseQuoting("backslash")
	require.NoError(t, err)
	assert.Equal(t, loader.QuoteBackslash, q)

	_, err = ParseQuoting("smart")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}
