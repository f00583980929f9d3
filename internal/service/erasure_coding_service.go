package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/reedsolomon"
	log "github.com/sirupsen/logrus"

	apperrors "github.com/zzenonn/chainstore/internal/errors"
)

const shardedRefPrefix = "rs:"

var crcTable = crc64.MakeTable(crc64.ISO)

// Redundancy erasure codes staged upload files across the staging buckets,
// so losing ParityShards buckets before broadcast does not lose the file.
// The zero value stores files whole.
type Redundancy struct {
	DataShards   int
	ParityShards int
}

func (r Redundancy) Enabled() bool { return r.DataShards > 0 && r.ParityShards > 0 }

func (r Redundancy) validate(buckets int) error {
	if !r.Enabled() {
		return nil
	}
	if total := r.DataShards + r.ParityShards; total > buckets {
		return apperrors.Validationf("%d shards need as many staging buckets, have %d", total, buckets)
	}
	return nil
}

// shardedRef names a file spread over Data+Parity shards:
// rs:<data>:<parity>:<size>:<key>
type shardedRef struct {
	Redundancy
	size int
	key  string
}

func (s shardedRef) String() string {
	return fmt.Sprintf("%s%d:%d:%d:%s", shardedRefPrefix, s.DataShards, s.ParityShards, s.size, s.key)
}

func parseShardedRef(ref string) (shardedRef, bool, error) {
	rest, ok := strings.CutPrefix(ref, shardedRefPrefix)
	if !ok {
		return shardedRef{}, false, nil
	}
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 || parts[3] == "" {
		return shardedRef{}, true, apperrors.Validationf("malformed sharded reference %q", ref)
	}
	var nums [3]int
	for i := range nums {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return shardedRef{}, true, apperrors.Validationf("malformed sharded reference %q", ref)
		}
		nums[i] = n
	}
	return shardedRef{Redundancy: Redundancy{DataShards: nums[0], ParityShards: nums[1]}, size: nums[2], key: parts[3]}, true, nil
}

func shardKey(key string, i int) string { return fmt.Sprintf("%s.shard%02d", key, i) }

// shardFile splits data into data+parity shards, each followed by its CRC-64.
func shardFile(data []byte, r Redundancy) ([][]byte, error) {
	enc, err := reedsolomon.New(r.DataShards, r.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	// Split refuses empty input; one zero byte stands in and Join trims it.
	input := data
	if len(input) == 0 {
		input = []byte{0}
	}
	shards, err := enc.Split(input)
	if err != nil {
		return nil, fmt.Errorf("failed to split file: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode parity: %w", err)
	}
	for i, s := range shards {
		shards[i] = binary.BigEndian.AppendUint64(append([]byte(nil), s...), crc64.Checksum(s, crcTable))
	}
	return shards, nil
}

// openShard strips and checks the trailing CRC. A corrupt shard is treated
// as missing.
func openShard(blob []byte) []byte {
	if len(blob) < 8 {
		return nil
	}
	body, sum := blob[:len(blob)-8], blob[len(blob)-8:]
	if crc64.Checksum(body, crcTable) != binary.BigEndian.Uint64(sum) {
		return nil
	}
	return body
}

// reconstructFile rebuilds the original bytes from shards, nil where lost.
func reconstructFile(shards [][]byte, ref shardedRef) ([]byte, error) {
	enc, err := reedsolomon.New(ref.DataShards, ref.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrNotFound, ref.key, err)
	}
	var buf bytes.Buffer
	if err := enc.Join(&buf, shards, ref.size); err != nil {
		return nil, fmt.Errorf("failed to join shards of %s: %w", ref.key, err)
	}
	return buf.Bytes(), nil
}

// PutFile stages a whole file, erasure coded when redundancy is on.
func (s *StagingService) PutFile(ctx context.Context, key string, data []byte) (string, error) {
	if !s.redundancy.Enabled() {
		return s.Put(ctx, key, bytes.NewReader(data), true)
	}

	shards, err := shardFile(data, s.redundancy)
	if err != nil {
		return "", err
	}
	for i, shard := range shards {
		if _, err := s.PutAt(ctx, i, shardKey(key, i), bytes.NewReader(shard), true); err != nil {
			_ = s.deleteShards(ctx, key, len(shards))
			return "", err
		}
	}
	ref := shardedRef{Redundancy: s.redundancy, size: len(data), key: key}
	log.Debugf("Staged %s as %d+%d shards", key, s.redundancy.DataShards, s.redundancy.ParityShards)
	return ref.String(), nil
}

func (s *StagingService) getSharded(ctx context.Context, ref shardedRef) ([]byte, error) {
	total := ref.DataShards + ref.ParityShards
	shards := make([][]byte, total)
	missing := 0
	for i := range shards {
		blob, err := s.GetAt(ctx, i, shardKey(ref.key, i))
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		shards[i] = openShard(blob)
		if shards[i] == nil {
			missing++
			log.Warnf("Shard %d of %s is missing or corrupt", i, ref.key)
		}
	}
	if missing > ref.ParityShards {
		return nil, fmt.Errorf("%w: %d of %d shards of %s lost", apperrors.ErrNotFound, missing, total, ref.key)
	}
	return reconstructFile(shards, ref)
}

func (s *StagingService) deleteShards(ctx context.Context, key string, total int) error {
	var result *multierror.Error
	for i := 0; i < total; i++ {
		bucket, repo, err := s.placer.Place(i)
		if err == nil {
			err = repo.Delete(ctx, shardKey(key, i))
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to delete shard %d of %s in %s: %w", i, key, bucket, err))
		}
	}
	return result.ErrorOrNil()
}
