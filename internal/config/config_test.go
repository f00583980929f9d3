package config

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

type fakeSSM struct {
	values map[string]string
	asked  []string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	name := aws.ToString(in.Name)
	f.asked = append(f.asked, name)
	v, ok := f.values[name]
	if !ok {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	setDefaults()
	t.Cleanup(viper.Reset)
}

func TestDefaults(t *testing.T) {
	resetViper(t)
	cfg := fromViper()

	assert.Equal(t, ChainBitails, cfg.Chain.Backend)
	assert.Equal(t, 0.5, cfg.Chain.FeeRate)
	assert.Equal(t, 100*1024, cfg.Pipeline.MaxChunkPayload)
	assert.Equal(t, int64(546), cfg.Pipeline.DustLimit)
	assert.Equal(t, time.Hour, cfg.Pipeline.PaymentWindow)
	assert.Equal(t, 5*time.Second, cfg.Driver.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Driver.MaxJobAge)
	assert.Equal(t, StoreDynamoDB, cfg.StoreBackend)
	assert.Equal(t, []string{"file://./staging"}, cfg.StagingBuckets)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Zero(t, cfg.DataShards, "redundancy is off by default")
}

func TestEnvOverridesDefaults(t *testing.T) {
	resetViper(t)
	t.Setenv("CHAINSTORE_CHAIN_BACKEND", "MEMORY")
	t.Setenv("CHAINSTORE_DRIVER_WORKERS", "9")
	viper.SetEnvPrefix("CHAINSTORE")
	viper.SetEnvKeyReplacer(envReplacer)
	viper.AutomaticEnv()

	cfg := fromViper()
	assert.Equal(t, ChainMemory, cfg.Chain.Backend)
	assert.Equal(t, 9, cfg.Driver.Workers)
}

func TestFlagsOverrideEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("CHAINSTORE_CHAIN_BACKEND", "bitails")

	cmd := &cobra.Command{Use: "chainstore"}
	cmd.PersistentFlags().String("chain", "", "")
	cmd.PersistentFlags().String("log-level", "", "")
	require.NoError(t, cmd.PersistentFlags().Set("chain", "memory"))

	require.NoError(t, setupViper("", cmd))
	cfg := fromViper()
	assert.Equal(t, ChainMemory, cfg.Chain.Backend, "a set flag beats the environment")
	assert.Equal(t, "info", cfg.LogLevel, "an unset flag leaves the default")
}

func TestResolveSecrets(t *testing.T) {
	resetViper(t)
	viper.Set("chain.api_key_param", "/chainstore/api-key")
	viper.Set("wallet.seed_param", "/chainstore/seed")
	viper.Set("wallet.seed", "literal")

	params := &fakeSSM{values: map[string]string{"/chainstore/api-key": "k3y"}}
	cfg := fromViper()
	require.NoError(t, resolveSecrets(context.Background(), cfg, params))

	assert.Equal(t, "k3y", cfg.Chain.APIKey)
	assert.Equal(t, "literal", cfg.WalletSeed, "a literal value wins over the parameter")
	assert.Equal(t, []string{"/chainstore/api-key"}, params.asked)
}

func TestResolveSecrets_MissingParameter(t *testing.T) {
	resetViper(t)
	viper.Set("wallet.seed_param", "/nope")

	err := resolveSecrets(context.Background(), fromViper(), &fakeSSM{})
	assert.ErrorContains(t, err, "/nope")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Chain:          ChainConfig{Backend: ChainMemory},
			StoreBackend:   StoreMemory,
			StagingBuckets: []string{"file:///tmp/x"},
			WalletSeed:     "00",
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "unknown chain", mutate: func(c *Config) { c.Chain.Backend = "btc" }},
		{name: "unknown store", mutate: func(c *Config) { c.StoreBackend = "redis" }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.StoreBackend = StorePostgres }},
		{name: "postgres with dsn", mutate: func(c *Config) { c.StoreBackend = StorePostgres; c.PostgresDSN = "postgres://x" }, ok: true},
		{name: "no buckets", mutate: func(c *Config) { c.StagingBuckets = nil }},
		{name: "no seed", mutate: func(c *Config) { c.WalletSeed = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperrors.ErrValidation)
			}
		})
	}
}

func TestNeedsGCS(t *testing.T) {
	assert.False(t, needsGCS([]string{"s3://a", "file:///b", "plain"}))
	assert.True(t, needsGCS([]string{"s3://a", "gs://b"}))
	assert.True(t, needsGCS([]string{"GCS:b"}))
}
