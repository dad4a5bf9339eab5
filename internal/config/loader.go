package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary, its env prefix and its config file.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used by Load.
var DefaultIdentity = AppIdentity{
	BinaryName: "clipforge",
	EnvPrefix:  "CLIPFORGE",
	ConfigName: "clipforge",
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *AppIdentity
	configFile  string
)

// envSpec binds one environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

// SetConfigFile sets an explicit config file for subsequent loads. An empty
// path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Identity returns the identity of the last Load, or nil.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// Load builds the configuration. Precedence, highest first: runtime
// overrides, environment, config file, defaults. The result is also kept
// for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	id := DefaultIdentity
	appIdentity = &id
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		trimStringsHook(),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit == "" {
		explicit = os.Getenv(DefaultIdentity.EnvPrefix + "_CONFIG")
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(DefaultIdentity.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists per-user config directories to search.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+id.ConfigName))
	}
	return paths
}

// getEnvSpecs maps every supported environment variable to its config path.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []envSpec{}
	}

	p := id.EnvPrefix + "_"
	return []envSpec{
		{p + "HOST", "server.host"},
		{p + "PORT", "server.port"},
		{p + "READ_TIMEOUT", "server.read_timeout"},
		{p + "WRITE_TIMEOUT", "server.write_timeout"},
		{p + "IDLE_TIMEOUT", "server.idle_timeout"},
		{p + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{p + "MAX_BODY_BYTES", "server.max_body_bytes"},

		{p + "LOG_LEVEL", "logging.level"},
		{p + "LOG_PROFILE", "logging.profile"},

		{p + "JWT_SECRET", "auth.jwt_secret"},
		{p + "AUTH_COOKIE", "auth.cookie_name"},
		{p + "AUTH_ISSUER", "auth.issuer"},
		{p + "AUTH_AUDIENCE", "auth.audience"},

		{p + "STORE_PATH", "store.path"},

		{p + "BLOB_PROVIDER", "blob.provider"},
		{p + "S3_BUCKET", "blob.bucket"},
		{p + "S3_REGION", "blob.region"},
		{p + "S3_REGION_FROM_IMDS", "blob.region_from_imds"},
		{p + "S3_ENDPOINT", "blob.endpoint"},
		{p + "S3_PROFILE", "blob.profile"},
		{p + "S3_ACCESS_KEY_ID", "blob.access_key_id"},
		{p + "S3_SECRET_ACCESS_KEY", "blob.secret_access_key"},
		{p + "S3_FORCE_PATH_STYLE", "blob.force_path_style"},
		{p + "PUBLIC_BASE_URL", "blob.public_base_url"},
		{p + "PRESIGN_EXPIRY", "blob.presign_expiry"},
		{p + "BLOB_DIR", "blob.base_dir"},
		{p + "BLOB_URL", "blob.base_url"},

		{p + "WORKERS", "jobs.workers"},
		{p + "QUEUE_SIZE", "jobs.queue_size"},
		{p + "TRANSFORM_TIMEOUT", "jobs.transform_timeout"},
		{p + "REAP_INTERVAL", "jobs.reap_interval"},
		{p + "STALE_AFTER", "jobs.stale_after"},
		{p + "OUTPUT_PREFIX", "jobs.output_prefix"},
		{p + "WORK_DIR", "jobs.work_dir"},
		{p + "PROGRESS_INTERVAL", "jobs.progress_interval"},
		{p + "SOURCE_KEY_PATTERNS", "jobs.source_key_patterns"},
		{p + "MAX_SOURCE_BYTES", "jobs.max_source_bytes"},
		{p + "SOURCE_HTTP_TIMEOUT", "jobs.source_http_timeout"},
		{p + "FFMPEG_PATH", "jobs.ffmpeg_path"},
		{p + "FFPROBE_PATH", "jobs.ffprobe_path"},

		{p + "UPLOAD_PREFIX", "uploads.key_prefix"},
		{p + "UPLOAD_PRESIGN_EXPIRY", "uploads.presign_expiry"},
		{p + "UPLOAD_MAX_PARTS", "uploads.max_parts_per_request"},
	}
}

// setDefaults registers every default value on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.cookie_name", "clipforge_session")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("store.path", "")

	v.SetDefault("blob.provider", "s3")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.region", "")
	v.SetDefault("blob.region_from_imds", false)
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.profile", "")
	v.SetDefault("blob.access_key_id", "")
	v.SetDefault("blob.secret_access_key", "")
	v.SetDefault("blob.force_path_style", false)
	v.SetDefault("blob.public_base_url", "")
	v.SetDefault("blob.presign_expiry", "1h")
	v.SetDefault("blob.base_dir", "")
	v.SetDefault("blob.base_url", "")

	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queue_size", 64)
	v.SetDefault("jobs.transform_timeout", "30m")
	v.SetDefault("jobs.reap_interval", "1m")
	v.SetDefault("jobs.stale_after", "15m")
	v.SetDefault("jobs.output_prefix", "outputs")
	v.SetDefault("jobs.work_dir", "")
	v.SetDefault("jobs.progress_interval", "1s")
	v.SetDefault("jobs.source_key_patterns", []string{})
	v.SetDefault("jobs.max_source_bytes", int64(5<<30))
	v.SetDefault("jobs.source_http_timeout", "0s")
	v.SetDefault("jobs.ffmpeg_path", "ffmpeg")
	v.SetDefault("jobs.ffprobe_path", "ffprobe")
	v.SetDefault("jobs.ffmpeg_args", []string{})

	v.SetDefault("uploads.key_prefix", "uploads")
	v.SetDefault("uploads.presign_expiry", "1h")
	v.SetDefault("uploads.max_parts_per_request", 1000)
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func trimStringsHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		return strings.TrimSpace(data.(string)), nil
	}
}
