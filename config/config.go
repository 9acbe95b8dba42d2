package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`

	DataDir     string `mapstructure:"DATA_DIR"`
	ProjectsDir string `mapstructure:"PROJECTS_DIR"`

	ImageWorkers int `mapstructure:"IMAGE_WORKERS"`
	VideoWorkers int `mapstructure:"VIDEO_WORKERS"`

	PollInterval       time.Duration `mapstructure:"POLL_INTERVAL"`
	KeyframeTimeout    time.Duration `mapstructure:"KEYFRAME_TIMEOUT"`
	VideoSubmitTimeout time.Duration `mapstructure:"VIDEO_SUBMIT_TIMEOUT"`

	MaxKeyframeAttempts int           `mapstructure:"MAX_KEYFRAME_ATTEMPTS"`
	MaxVideoAttempts    int           `mapstructure:"MAX_VIDEO_ATTEMPTS"`
	RetryBackoffMax     time.Duration `mapstructure:"RETRY_BACKOFF_MAX"`

	MaxDownloadSize int64 `mapstructure:"MAX_DOWNLOAD_SIZE"`

	// Resource thresholds below which queue workers hold off picking up new
	// items. Zero disables the corresponding check.
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	VideoProvider   string `mapstructure:"VIDEO_PROVIDER"`
	ProviderAPIKey  string `mapstructure:"PROVIDER_API_KEY"`
	ProviderBaseURL string `mapstructure:"PROVIDER_BASE_URL"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		// It is a string -> time.Duration. Parse it.
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to int64s for byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("DATA_DIR", "./data")
	vp.SetDefault("PROJECTS_DIR", "./projects")
	vp.SetDefault("IMAGE_WORKERS", 2)
	vp.SetDefault("VIDEO_WORKERS", 2)
	vp.SetDefault("POLL_INTERVAL", "30s")
	vp.SetDefault("KEYFRAME_TIMEOUT", "5m")
	vp.SetDefault("VIDEO_SUBMIT_TIMEOUT", "1m")
	vp.SetDefault("MAX_KEYFRAME_ATTEMPTS", 3)
	vp.SetDefault("MAX_VIDEO_ATTEMPTS", 3)
	vp.SetDefault("RETRY_BACKOFF_MAX", "5m")
	vp.SetDefault("MAX_DOWNLOAD_SIZE", "500MB")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "0B")
	vp.SetDefault("THROTTLE_FREEDISK", "0B")
	vp.SetDefault("VIDEO_PROVIDER", "mock")
	vp.SetDefault("PROVIDER_API_KEY", "")
	vp.SetDefault("PROVIDER_BASE_URL", "")

	// Load from config file
	vp.SetConfigName("animpipe_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/animpipe/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("ANIMPIPE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
