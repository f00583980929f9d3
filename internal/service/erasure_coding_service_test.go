package service

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zzenonn/chainstore/internal/errors"
	"github.com/zzenonn/chainstore/internal/placement"
	"github.com/zzenonn/chainstore/internal/repository/objectstore"
)

// shardedStaging stages over three buckets with 2 data and 1 parity shard.
func shardedStaging(t *testing.T) (*StagingService, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	placer := placement.NewRoundRobinPlacer()
	for _, name := range []string{"x", "y", "z"} {
		repo := objectstore.NewLocalObjectRepository(fs, "/"+name)
		require.NoError(t, placer.RegisterBucket(name, &repo))
	}
	s, err := NewStagingService(placer).WithRedundancy(Redundancy{DataShards: 2, ParityShards: 1})
	require.NoError(t, err)
	return s, fs
}

func TestErasure_RoundTrip(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("a"), []byte(strings.Repeat("erasure ", 100))} {
		s, _ := shardedStaging(t)
		ctx := context.Background()

		ref, err := s.PutFile(ctx, "uploads/j/file", data)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ref, shardedRefPrefix), ref)

		got, err := s.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, len(data), len(got))
		assert.Equal(t, string(data), string(got))
	}
}

func TestErasure_SurvivesOneLostShard(t *testing.T) {
	s, fs := shardedStaging(t)
	ctx := context.Background()
	data := []byte("the quick brown fox jumps over the lazy dog")

	ref, err := s.PutFile(ctx, "uploads/j/file", data)
	require.NoError(t, err)

	require.NoError(t, fs.Remove("/x/"+shardKey("uploads/j/file", 0)))
	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestErasure_CorruptShardCountsAsLost(t *testing.T) {
	s, fs := shardedStaging(t)
	ctx := context.Background()
	data := []byte("the quick brown fox jumps over the lazy dog")

	ref, err := s.PutFile(ctx, "uploads/j/file", data)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/y/"+shardKey("uploads/j/file", 1), []byte("garbage!!"), 0o644))
	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, fs.Remove("/z/"+shardKey("uploads/j/file", 2)))
	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "two of three shards gone")
}

func TestErasure_DeleteRemovesEveryShard(t *testing.T) {
	s, fs := shardedStaging(t)
	ctx := context.Background()

	ref, err := s.PutFile(ctx, "uploads/j/file", []byte("bye"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, ref))

	for i, bucket := range []string{"x", "y", "z"} {
		exists, err := afero.Exists(fs, "/"+bucket+"/"+shardKey("uploads/j/file", i))
		require.NoError(t, err)
		assert.False(t, exists, bucket)
	}
	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestErasure_NeedsABucketPerShard(t *testing.T) {
	placer := placement.NewRoundRobinPlacer()
	repo := objectstore.NewLocalObjectRepository(afero.NewMemMapFs(), "/only")
	require.NoError(t, placer.RegisterBucket("only", &repo))

	_, err := NewStagingService(placer).WithRedundancy(Redundancy{DataShards: 1, ParityShards: 1})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestParseShardedRef(t *testing.T) {
	ref, ok, err := parseShardedRef("rs:4:2:1000:uploads/j/file")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, shardedRef{Redundancy: Redundancy{4, 2}, size: 1000, key: "uploads/j/file"}, ref)
	assert.Equal(t, "rs:4:2:1000:uploads/j/file", ref.String())

	_, ok, err = parseShardedRef("a|uploads/j/file")
	assert.False(t, ok)
	assert.NoError(t, err)

	for _, bad := range []string{"rs:", "rs:4:2:x:k", "rs:4:2:10:", "rs:-1:2:10:k"} {
		_, ok, err := parseShardedRef(bad)
		assert.True(t, ok, bad)
		assert.ErrorIs(t, err, apperrors.ErrValidation, bad)
	}
}

func TestUpload_WithShardedStaging(t *testing.T) {
	h := newHarness(t, 3)
	h.upload.staging, _ = shardedStaging(t)

	up := h.store(t, "fox.txt", []byte("sharded fox"))
	_, res := h.fetch(t, up.ManifestTxID)
	assert.Equal(t, "sharded fox", string(res.Data))
}
