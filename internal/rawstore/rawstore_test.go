package rawstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapflow/internal/testutil"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

var claimsSchema = core.Schema{Columns: []core.Column{
	{Name: "claim_id", Type: core.TypeString},
	{Name: "state", Type: core.TypeString},
	{Name: "claim_amount", Type: core.TypeFloat, Nullable: true},
}}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []uint64
}

func (p *recordingPublisher) Publish(_ string, version uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, version)
}

func newStore(t *testing.T) (*Store, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	s := New(pub, testutil.NewTestLogger(t))
	require.NoError(t, s.CreateTable("claims", claimsSchema))
	return s, pub
}

func batch(fileID string, ids ...string) Batch {
	rows := make([]core.Row, len(ids))
	for i, id := range ids {
		rows[i] = core.Row{"claim_id": id, "state": "CO", "claim_amount": 100.0}
	}
	return Batch{
		FileID:     fileID,
		SourceFile: "landing/" + fileID,
		LoadedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Rows:       rows,
	}
}

func TestStore_CreateTable(t *testing.T) {
	s, _ := newStore(t)

	snap, ok := s.Snapshot("claims")
	require.True(t, ok)
	assert.Equal(t, uint64(0), snap.Version)
	assert.Equal(t, []string{"claim_id", "state", "claim_amount", "loaded_at", "source_file"}, snap.Columns)

	assert.Error(t, s.CreateTable("claims", claimsSchema), "duplicate table")
	assert.Error(t, s.CreateTable("bad", core.Schema{Columns: []core.Column{{Name: "loaded_at", Type: core.TypeString}}}))
}

func TestStore_Append_StampsProvenance(t *testing.T) {
	s, pub := newStore(t)

	res, err := s.Append("claims", batch("f1", "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Count: 2, Version: 1}, res)

	snap, _ := s.Snapshot("claims")
	require.Equal(t, 2, snap.Len())
	for _, row := range snap.Rows {
		assert.Equal(t, "landing/f1", row[core.ColumnSourceFile])
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), row[core.ColumnLoadedAt])
	}
	assert.Equal(t, []uint64{1}, pub.changes)
}

func TestStore_Append_IdempotentByFileID(t *testing.T) {
	s, pub := newStore(t)

	_, err := s.Append("claims", batch("f1", "a", "b", "c"))
	require.NoError(t, err)
	before, _ := s.Snapshot("claims")

	res, err := s.Append("claims", batch("f1", "a", "b", "c"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, uint64(1), res.Version)

	after, _ := s.Snapshot("claims")
	assert.Same(t, before, after)
	assert.Equal(t, []uint64{1}, pub.changes, "duplicate append must not publish")
}

func TestStore_Append_Errors(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.Append("missing", batch("f1", "a"))
	assert.ErrorIs(t, err, core.ErrTableNotFound)

	b := batch("f1", "a")
	b.SourceFile = ""
	_, err = s.Append("claims", b)
	assert.Error(t, err)

	b = batch("", "a")
	_, err = s.Append("claims", b)
	assert.Error(t, err)
}

func TestStore_Append_SnapshotsAreImmutable(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.Append("claims", batch("f1", "a"))
	require.NoError(t, err)
	old, _ := s.Snapshot("claims")

	_, err = s.Append("claims", batch("f2", "b", "c"))
	require.NoError(t, err)

	assert.Equal(t, 1, old.Len(), "old snapshot must not see later appends")
	cur, _ := s.Snapshot("claims")
	assert.Equal(t, 3, cur.Len())
	assert.Equal(t, uint64(2), cur.Version)
}

func TestStore_Append_Concurrent(t *testing.T) {
	s, _ := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every file is submitted twice
			id := string(rune('a' + i%10))
			_, err := s.Append("claims", batch("file-"+id, id))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, _ := s.Snapshot("claims")
	assert.Equal(t, 10, snap.Len())
	assert.Equal(t, uint64(10), snap.Version)
}

type fakeLoader map[string][]*core.RawBatch

func (f fakeLoader) LoadRawBatches(_ context.Context, table string) ([]*core.RawBatch, error) {
	return f[table], nil
}

func TestStore_Rehydrate(t *testing.T) {
	s, _ := newStore(t)

	loader := fakeLoader{"claims": {
		{
			FileID:     "f1",
			Table:      "claims",
			SourceFile: "landing/f1.csv",
			LoadedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Rows: []core.Row{
				{"claim_id": "a", "state": "UT", "claim_amount": json.Number("73450")},
				{"claim_id": "b", "state": "WY", "claim_amount": nil},
			},
		},
	}}
	require.NoError(t, s.Rehydrate(context.Background(), loader))

	snap, _ := s.Snapshot("claims")
	require.Equal(t, 2, snap.Len())
	assert.Equal(t, 73450.0, snap.Rows[0]["claim_amount"])
	assert.Nil(t, snap.Rows[1]["claim_amount"])

	n, ok := s.FileCount("claims", "f1")
	assert.True(t, ok)
	assert.Equal(t, 2, n)
}
