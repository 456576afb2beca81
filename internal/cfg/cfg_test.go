package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSplitKeyValuesIntoMap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		result map[string]string
	}{
		{
			input:  "some_key=value",
			result: map[string]string{"some_key": "value"},
		},
		{
			input:  "key1=value1, key2=value2",
			result: map[string]string{"key1": "value1", "key2": "value2"},
		},
		{
			input:  "novalue,=empty,k=",
			result: map[string]string{"k": ""},
		},
		{
			input:  "",
			result: map[string]string{},
		},
	}
	for _, test := range tests {
		require.Equal(t, test.result, SplitKeyValuesIntoMap(test.input), "input: %q", test.input)
	}
}

func TestLoad(t *testing.T) {
	// Not parallel: mutates the process environment.
	dir := t.TempDir()
	envFile := filepath.Join(dir, "teststack.env")
	err := os.WriteFile(envFile, []byte(
		"TESTSTACK_CLICKHOUSE_IMAGE=clickhouse/clickhouse-server:24-alpine\n"+
			"TESTSTACK_MYSQL_IMAGE=mysql:8\n"+
			"UNRELATED=ignored\n",
	), 0o644)
	require.NoError(t, err)

	t.Setenv("PG_MAJOR", "17")
	t.Setenv(KeyEnvFile, envFile)
	t.Setenv(KeyPostgresImage, "postgres:${PG_MAJOR}-alpine")
	t.Setenv(KeyMySQLImage, "mysql:9")
	t.Setenv(KeyNoCleanup, "true")

	values, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres:17-alpine", values[KeyPostgresImage])
	require.Equal(t, "clickhouse/clickhouse-server:24-alpine", values[KeyClickHouseImage])
	// Process environment wins over the env file.
	require.Equal(t, "mysql:9", values[KeyMySQLImage])
	_, ok := values["UNRELATED"]
	require.False(t, ok)

	noCleanup, err := values.Bool(KeyNoCleanup)
	require.NoError(t, err)
	require.True(t, noCleanup)
}

func TestLoadMissingEnvFile(t *testing.T) {
	t.Setenv(KeyEnvFile, filepath.Join(t.TempDir(), "missing.env"))
	_, err := Load()
	require.Error(t, err)
}

func TestValues(t *testing.T) {
	t.Parallel()

	v := Values{
		KeyReadyTimeout:    "45s",
		KeyTeardownTimeout: "-1s",
		KeyBlock:           "nope",
	}
	require.Equal(t, "127.0.0.1", v.Or(KeyHostIP, "127.0.0.1"))

	d, err := v.Duration(KeyReadyTimeout, time.Second)
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, d)
	d, err = v.Duration(KeyLogLevel, time.Second)
	require.NoError(t, err)
	require.Equal(t, time.Second, d)
	_, err = v.Duration(KeyTeardownTimeout, time.Second)
	require.Error(t, err)

	_, err = v.Bool(KeyBlock)
	require.Error(t, err)
	b, err := v.Bool(KeyNoCleanup)
	require.NoError(t, err)
	require.False(t, b)

	list := v.List()
	require.Len(t, list, len(keys))
	require.Equal(t, KeyPostgresImage, list[0].Name)
}
