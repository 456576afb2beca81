package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mfridman/interpolate"
)

// Environment variables understood by teststack.
const (
	KeyPostgresImage   = "TESTSTACK_POSTGRES_IMAGE"
	KeyMySQLImage      = "TESTSTACK_MYSQL_IMAGE"
	KeyClickHouseImage = "TESTSTACK_CLICKHOUSE_IMAGE"
	KeySQLServerImage  = "TESTSTACK_SQLSERVER_IMAGE"
	KeyHostIP          = "TESTSTACK_HOST_IP"
	KeyLabels          = "TESTSTACK_LABELS"
	KeyReadyTimeout    = "TESTSTACK_READY_TIMEOUT"
	KeyTeardownTimeout = "TESTSTACK_TEARDOWN_TIMEOUT"
	// KeyNoCleanup disables container removal at teardown.
	KeyNoCleanup = "TESTSTACK_NOCLEANUP"
	// KeyBlock blocks the test binary after the run until a signal is received.
	KeyBlock    = "TESTSTACK_BLOCK"
	KeyLogLevel = "TESTSTACK_LOG_LEVEL"
	KeyEnvFile  = "TESTSTACK_ENV_FILE"
)

var keys = []string{
	KeyPostgresImage,
	KeyMySQLImage,
	KeyClickHouseImage,
	KeySQLServerImage,
	KeyHostIP,
	KeyLabels,
	KeyReadyTimeout,
	KeyTeardownTimeout,
	KeyNoCleanup,
	KeyBlock,
	KeyLogLevel,
}

// Values holds raw settings keyed by environment variable name.
type Values map[string]string

// Load reads every known key from the process environment.
//
// If TESTSTACK_ENV_FILE points to a dotenv file, it is read first and the process environment
// takes precedence over it. Values may reference other environment variables with ${VAR}
// syntax.
func Load() (Values, error) {
	values := make(Values, len(keys))
	if path := os.Getenv(KeyEnvFile); path != "" {
		fileValues, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		for _, key := range keys {
			if v, ok := fileValues[key]; ok {
				values[key] = v
			}
		}
	}
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			values[key] = v
		}
	}
	env := interpolate.NewSliceEnv(os.Environ())
	for key, raw := range values {
		expanded, err := interpolate.Interpolate(env, raw)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", key, err)
		}
		values[key] = expanded
	}
	return values, nil
}

// Or returns the value for key if set, or else def.
func (v Values) Or(key, def string) string {
	if val := v[key]; val != "" {
		return val
	}
	return def
}

// Bool reports whether key holds a true value. Unset keys are false.
func (v Values) Bool(key string) (bool, error) {
	val := v[key]
	if val == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// Duration parses key as a time.Duration, returning def when unset.
func (v Values) Duration(key string, def time.Duration) (time.Duration, error) {
	val := v[key]
	if val == "" {
		return def, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive: %s", key, d)
	}
	return d, nil
}

// An EnvVar is an environment variable Name=Value.
type EnvVar struct {
	Name  string
	Value string
}

// List returns every known key with its current value, in a stable order.
func (v Values) List() []EnvVar {
	list := make([]EnvVar, 0, len(keys))
	for _, key := range keys {
		list = append(list, EnvVar{Name: key, Value: v[key]})
	}
	return list
}

// SplitKeyValuesIntoMap parses "k1=v1,k2=v2" into a map. Entries without '=' are ignored.
func SplitKeyValuesIntoMap(s string) map[string]string {
	m := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		m[key] = strings.TrimSpace(value)
	}
	return m
}
