package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

const (
	ChainBitails = "bitails"
	ChainMemory  = "memory"

	StoreDynamoDB = "dynamodb"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds the application configuration
type Config struct {
	LogLevel  string
	LogFormat string // text or json

	// AwsConfig: AWS SDK uses a shared configuration object that contains
	// credentials, region, retry policies, etc. Multiple AWS services
	// (S3, DynamoDB, SSM) are created from this single config.
	AwsConfig aws.Config
	// GcsClient is only created when a gs:// staging bucket is configured.
	GcsClient *storage.Client

	Chain    ChainConfig
	Pipeline PipelineConfig
	Driver   DriverConfig

	StoreBackend   string
	DynamoDBTable  string
	PostgresDSN    string
	StagingBuckets []string
	// DataShards and ParityShards erasure code staged uploads when both are set.
	DataShards   int
	ParityShards int

	Network    string
	WalletSeed string
	ListenAddr string
}

type ChainConfig struct {
	Backend     string
	BaseURL     string
	APIKey      string
	FallbackURL string
	FeeRate     float64
	CallTimeout time.Duration
	RetryBase   time.Duration
	MaxRetries  uint64
	RateLimit   float64
	CacheSize   int
}

type PipelineConfig struct {
	MaxChunkPayload  int
	MaxPayload       int
	TxOverhead       int
	DustLimit        int64
	MaxFileSize      int64
	PaymentWindow    time.Duration
	FetchConcurrency int
}

type DriverConfig struct {
	PollInterval time.Duration
	Workers      int
	MaxJobAge    time.Duration
}

var envReplacer = strings.NewReplacer(".", "_")

// flagKeys maps persistent CLI flags onto config keys.
var flagKeys = map[string]string{
	"log-level": "log_level",
	"chain":     "chain.backend",
	"store":     "store.backend",
	"network":   "network",
	"listen":    "listen_addr",
}

// ParameterGetter is the slice of the SSM client config needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	awsConfig, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}

	cfg := fromViper()
	cfg.AwsConfig = awsConfig

	if err := resolveSecrets(context.Background(), cfg, ssm.NewFromConfig(awsConfig)); err != nil {
		return nil, err
	}

	if needsGCS(cfg.StagingBuckets) {
		cfg.GcsClient, err = loadGCSClient()
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	setDefaults()
	viper.SetEnvPrefix("CHAINSTORE")
	viper.SetEnvKeyReplacer(envReplacer)
	viper.AutomaticEnv()

	if rootCmd != nil {
		for flag, key := range flagKeys {
			f := rootCmd.PersistentFlags().Lookup(flag)
			if f == nil {
				continue
			}
			if err := viper.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("network", "mainnet")
	viper.SetDefault("listen_addr", ":8080")

	viper.SetDefault("chain.backend", ChainBitails)
	viper.SetDefault("chain.base_url", "https://api.bitails.io")
	viper.SetDefault("chain.fallback_url", "https://api.whatsonchain.com/v1/bsv/main")
	viper.SetDefault("chain.fee_rate", 0.5)
	viper.SetDefault("chain.call_timeout", 30*time.Second)
	viper.SetDefault("chain.retry_base", 500*time.Millisecond)
	viper.SetDefault("chain.max_retries", 4)
	viper.SetDefault("chain.rate_limit", 5)
	viper.SetDefault("chain.cache_size", 1024)

	viper.SetDefault("pipeline.max_chunk_payload", 100*1024)
	viper.SetDefault("pipeline.max_payload", 1024*1024)
	viper.SetDefault("pipeline.tx_overhead", 250)
	viper.SetDefault("pipeline.dust_limit", 546)
	viper.SetDefault("pipeline.max_file_size", 50*1024*1024)
	viper.SetDefault("pipeline.payment_window", time.Hour)
	viper.SetDefault("pipeline.fetch_concurrency", 8)

	viper.SetDefault("driver.poll_interval", 5*time.Second)
	viper.SetDefault("driver.workers", 4)
	viper.SetDefault("driver.max_job_age", 24*time.Hour)

	viper.SetDefault("store.backend", StoreDynamoDB)
	viper.SetDefault("store.dynamodb_table", "chainstore-jobs")
	viper.SetDefault("staging.buckets", []string{"file://./staging"})
}

func fromViper() *Config {
	return &Config{
		LogLevel:  viper.GetString("log_level"),
		LogFormat: viper.GetString("log_format"),
		Chain: ChainConfig{
			Backend:     strings.ToLower(viper.GetString("chain.backend")),
			BaseURL:     viper.GetString("chain.base_url"),
			APIKey:      viper.GetString("chain.api_key"),
			FallbackURL: viper.GetString("chain.fallback_url"),
			FeeRate:     viper.GetFloat64("chain.fee_rate"),
			CallTimeout: viper.GetDuration("chain.call_timeout"),
			RetryBase:   viper.GetDuration("chain.retry_base"),
			MaxRetries:  viper.GetUint64("chain.max_retries"),
			RateLimit:   viper.GetFloat64("chain.rate_limit"),
			CacheSize:   viper.GetInt("chain.cache_size"),
		},
		Pipeline: PipelineConfig{
			MaxChunkPayload:  viper.GetInt("pipeline.max_chunk_payload"),
			MaxPayload:       viper.GetInt("pipeline.max_payload"),
			TxOverhead:       viper.GetInt("pipeline.tx_overhead"),
			DustLimit:        viper.GetInt64("pipeline.dust_limit"),
			MaxFileSize:      viper.GetInt64("pipeline.max_file_size"),
			PaymentWindow:    viper.GetDuration("pipeline.payment_window"),
			FetchConcurrency: viper.GetInt("pipeline.fetch_concurrency"),
		},
		Driver: DriverConfig{
			PollInterval: viper.GetDuration("driver.poll_interval"),
			Workers:      viper.GetInt("driver.workers"),
			MaxJobAge:    viper.GetDuration("driver.max_job_age"),
		},
		StoreBackend:   strings.ToLower(viper.GetString("store.backend")),
		DynamoDBTable:  viper.GetString("store.dynamodb_table"),
		PostgresDSN:    viper.GetString("store.postgres_dsn"),
		StagingBuckets: viper.GetStringSlice("staging.buckets"),
		DataShards:     viper.GetInt("staging.data_shards"),
		ParityShards:   viper.GetInt("staging.parity_shards"),
		Network:        viper.GetString("network"),
		WalletSeed:     viper.GetString("wallet.seed"),
		ListenAddr:     viper.GetString("listen_addr"),
	}
}

// resolveSecrets fills the API key and wallet seed from SSM Parameter Store
// when their *_param keys are set and no literal value was given.
func resolveSecrets(ctx context.Context, cfg *Config, params ParameterGetter) error {
	secrets := []struct {
		param string
		dst   *string
	}{
		{viper.GetString("chain.api_key_param"), &cfg.Chain.APIKey},
		{viper.GetString("wallet.seed_param"), &cfg.WalletSeed},
	}
	for _, s := range secrets {
		if s.param == "" || *s.dst != "" {
			continue
		}
		v, err := getParameter(ctx, params, s.param)
		if err != nil {
			return err
		}
		*s.dst = v
	}
	return nil
}

func getParameter(ctx context.Context, params ParameterGetter, name string) (string, error) {
	out, err := params.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	log.Debugf("Loaded parameter %s", name)
	return aws.ToString(out.Parameter.Value), nil
}

// Validate checks the settings nothing downstream defaults.
func (c *Config) Validate() error {
	switch c.Chain.Backend {
	case ChainBitails, ChainMemory:
	default:
		return apperrors.Validationf("unknown chain backend %q", c.Chain.Backend)
	}
	switch c.StoreBackend {
	case StoreDynamoDB, StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return apperrors.ConfigNotSetError("store.postgres_dsn")
		}
	default:
		return apperrors.Validationf("unknown store backend %q", c.StoreBackend)
	}
	if len(c.StagingBuckets) == 0 {
		return apperrors.ConfigNotSetError("staging.buckets")
	}
	if c.WalletSeed == "" {
		return apperrors.ConfigNotSetError("wallet.seed")
	}
	return nil
}

func needsGCS(buckets []string) bool {
	for _, b := range buckets {
		b = strings.ToLower(strings.TrimSpace(b))
		if strings.HasPrefix(b, "gs://") || strings.HasPrefix(b, "gcs://") || strings.HasPrefix(b, "gcs:") {
			return true
		}
	}
	return false
}

// loadAWSConfig loads AWS SDK configuration
func loadAWSConfig() (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %v", err)
	}
	return cfg, nil
}

// loadGCSClient loads Google Cloud Storage client
func loadGCSClient() (*storage.Client, error) {
	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("unable to create GCS client: %v", err)
	}
	return client, nil
}
