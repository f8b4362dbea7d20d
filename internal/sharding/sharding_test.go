package sharding

import (
	"testing"

	"github.com/google/uuid"

	"github.com/pgdog-go/pgdog/internal/config"
)

func TestValueBigintRoundTrip(t *testing.T) {
	v := NewTextValue("42", config.DataTypeBigint)
	if !v.Valid() {
		t.Fatalf("expected valid bigint")
	}
	n, err := v.Integer()
	if err != nil || n == nil || *n != 42 {
		t.Fatalf("expected 42, got %v err %v", n, err)
	}
}

func TestValueInvalidBigint(t *testing.T) {
	v := NewTextValue("not-a-number", config.DataTypeBigint)
	if v.Valid() {
		t.Fatalf("expected invalid")
	}
}

func TestValueUUIDBinary(t *testing.T) {
	raw := make([]byte, 16)
	for i := range raw {
		raw[i] = 0x11
	}
	v := NewBinaryValue(raw, config.DataTypeUuid)
	u, err := v.UUID()
	if err != nil {
		t.Fatalf("UUID: %v", err)
	}
	want := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	if *u != want {
		t.Errorf("expected %v, got %v", want, *u)
	}
}

func TestHashConsistentAcrossFormats(t *testing.T) {
	text := NewTextValue("12345", config.DataTypeBigint)
	var buf [8]byte
	buf[7] = 0x39
	buf[6] = 0x30
	binaryVal := NewBinaryValue(buf[:], config.DataTypeBigint)

	h1, err := text.Hash(HasherPostgres)
	if err != nil {
		t.Fatalf("hash text: %v", err)
	}
	h2, err := binaryVal.Hash(HasherPostgres)
	if err != nil {
		t.Fatalf("hash binary: %v", err)
	}
	if *h1 != *h2 {
		t.Errorf("expected matching hash for equal int64 across encodings, got %d vs %d", *h1, *h2)
	}
}

func TestVectorNeverHashes(t *testing.T) {
	v := NewTextValue("[1,2,3]", config.DataTypeVector)
	h, err := v.Hash(HasherPostgres)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h != nil {
		t.Errorf("expected vector to never hash, got %v", *h)
	}
}

func shardStr(end string) *string { return &end }

func TestResolverRangeMapping(t *testing.T) {
	table := config.ShardedTableConfig{
		DataType: config.DataTypeBigint,
		Mapping: []config.ShardedMapping{
			{Kind: config.MappingKindRange, End: shardStr("100"), Shard: 0},
			{Kind: config.MappingKindRange, Start: shardStr("100"), Shard: 1},
		},
	}
	r := NewResolver(table, 4)

	target, err := r.Resolve(NewTextValue("50", config.DataTypeBigint))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.All || len(target.Shards) != 1 || target.Shards[0] != 0 {
		t.Errorf("expected direct shard 0, got %+v", target)
	}

	target, err = r.Resolve(NewTextValue("150", config.DataTypeBigint))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(target.Shards) != 1 || target.Shards[0] != 1 {
		t.Errorf("expected direct shard 1, got %+v", target)
	}
}

func TestResolverListMapping(t *testing.T) {
	table := config.ShardedTableConfig{
		DataType: config.DataTypeVarchar,
		Mapping: []config.ShardedMapping{
			{Kind: config.MappingKindList, Values: []string{"us-east", "us-west"}, Shard: 0},
			{Kind: config.MappingKindList, Values: []string{"eu-west"}, Shard: 1},
		},
	}
	r := NewResolver(table, 4)

	target, err := r.Resolve(NewTextValue("eu-west", config.DataTypeVarchar))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(target.Shards) != 1 || target.Shards[0] != 1 {
		t.Errorf("expected direct shard 1, got %+v", target)
	}
}

func TestResolverUnmatchedListFallsBackToAll(t *testing.T) {
	table := config.ShardedTableConfig{
		DataType: config.DataTypeVarchar,
		Mapping: []config.ShardedMapping{
			{Kind: config.MappingKindList, Values: []string{"us-east"}, Shard: 0},
		},
	}
	r := NewResolver(table, 4)
	target, err := r.Resolve(NewTextValue("ap-south", config.DataTypeVarchar))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !target.All {
		t.Errorf("expected broadcast for unmatched value, got %+v", target)
	}
}

func TestResolverHashFallback(t *testing.T) {
	table := config.ShardedTableConfig{DataType: config.DataTypeBigint}
	r := NewResolver(table, 8)

	target, err := r.Resolve(NewTextValue("999", config.DataTypeBigint))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.All || len(target.Shards) != 1 {
		t.Fatalf("expected a single direct shard, got %+v", target)
	}
	if target.Shards[0] < 0 || target.Shards[0] >= 8 {
		t.Errorf("shard %d out of range", target.Shards[0])
	}
}

func TestCentroidProbing(t *testing.T) {
	table := config.ShardedTableConfig{
		DataType:       config.DataTypeVector,
		Centroids:      [][]float64{{0, 0}, {10, 10}, {20, 20}, {30, 30}},
		CentroidProbes: 2,
	}
	r := NewResolver(table, 4)
	target := r.ResolveVector([]float64{1, 1})
	if len(target.Shards) != 2 {
		t.Fatalf("expected 2 probed shards, got %+v", target)
	}
	if target.Shards[0] != 0 {
		t.Errorf("expected nearest centroid to be shard 0, got %+v", target.Shards)
	}
}

func TestModulusDeterministic(t *testing.T) {
	h := HasherPostgres.Bigint(42)
	a := Modulus(h, 16)
	b := Modulus(h, 16)
	if a != b {
		t.Errorf("expected deterministic modulus, got %d vs %d", a, b)
	}
	if a < 0 || a >= 16 {
		t.Errorf("modulus %d out of range", a)
	}
}
