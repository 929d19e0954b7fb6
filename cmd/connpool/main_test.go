package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/connpool/config"
	"github.com/BaSui01/connpool/testutil"
	"github.com/BaSui01/connpool/testutil/mocks"
)

func TestProbe(t *testing.T) {
	connector := mocks.NewMockConnector()
	cfg := testutil.FastConfig()

	stats, err := probe(testutil.TestContext(t), connector, cfg, 3, 20*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, stats)

	assert.EqualValues(t, 3, stats.ConnectionsRequested)
	assert.Zero(t, stats.AcquireFailures)
	assert.Zero(t, stats.TotalLeased)
	assert.LessOrEqual(t, stats.TotalCreated, cfg.MaxConnectionsPerPartition)
	assert.Equal(t, 0, connector.OpenConns())
}

func TestProbe_ConnectFailure(t *testing.T) {
	connector := mocks.NewMockConnector().WithConnectError(mocks.ErrConnectRefused)

	stats, err := probe(testutil.TestContext(t), connector, testutil.FastConfig(), 2, time.Millisecond, zaptest.NewLogger(t))
	require.Error(t, err)
	require.NotNil(t, stats)
	assert.GreaterOrEqual(t, stats.AcquireFailures, int64(1))
}

func TestProbe_InvalidArgs(t *testing.T) {
	_, err := probe(context.Background(), mocks.NewMockConnector(), testutil.FastConfig(), 0, 0, zaptest.NewLogger(t))
	assert.Error(t, err)

	bad := testutil.FastConfig()
	bad.PartitionCount = 0
	_, err = probe(context.Background(), mocks.NewMockConnector(), bad, 1, 0, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.LogConfig
		expect zapcore.Level
	}{
		{"json info", config.LogConfig{Level: "info", Format: "json", OutputPaths: []string{"stderr"}}, zapcore.InfoLevel},
		{"console debug", config.LogConfig{Level: "debug", Format: "console"}, zapcore.DebugLevel},
		{"unknown level falls back", config.LogConfig{Level: "loud", Format: "json"}, zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, level := initLogger(tt.cfg)
			require.NotNil(t, logger)
			assert.Equal(t, tt.expect, level.Level())

			level.SetLevel(zapcore.ErrorLevel)
			assert.False(t, logger.Core().Enabled(zapcore.WarnLevel))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: mysql
  dsn: "user:pw@tcp(127.0.0.1:3306)/app"
pool:
  partition_count: 2
  max_connections_per_partition: 5
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 2, cfg.Pool.PartitionCount)
	assert.Equal(t, 5, cfg.Pool.MaxConnectionsPerPartition)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  partition_count: 0
`), 0o600))

	_, err := loadConfig(path)
	assert.Error(t, err)
}
