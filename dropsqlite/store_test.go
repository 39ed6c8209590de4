package dropsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string, partitions ...Partition) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	s, err := NewStore(context.Background(), db, partitions, quietLogger())
	require.NoError(t, err)
	return s
}

func TestStore_VersionGatedPartitions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	s := openStore(t, path, Partition{Name: "Project", Version: 1}, Partition{Name: "Contact", Version: 1})
	require.ElementsMatch(t, []string{"Project", "Contact"}, s.Recreated())
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put("Project", "p1", map[string]any{"id": "p1"}); err != nil {
			return err
		}
		if err := tx.Put("Contact", "c1", map[string]any{"id": "c1"}); err != nil {
			return err
		}
		return tx.Put(PartitionPending, "Project@p1", &Pending{Key: "Project@p1"})
	}))
	require.NoError(t, s.Close())

	// Same versions keep everything
	s = openStore(t, path, Partition{Name: "Project", Version: 1}, Partition{Name: "Contact", Version: 1})
	require.Empty(t, s.Recreated())
	rec, err := s.Record(ctx, "Project", "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NoError(t, s.Close())

	// A bump drops only the bumped partition
	s = openStore(t, path, Partition{Name: "Project", Version: 2}, Partition{Name: "Contact", Version: 1})
	defer s.Close()
	require.Equal(t, []string{"Project"}, s.Recreated())
	rec, err = s.Record(ctx, "Project", "p1")
	require.NoError(t, err)
	require.Nil(t, rec)
	rec, err = s.Record(ctx, "Contact", "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		n, err := tx.Count(PartitionPending)
		require.Equal(t, 1, n)
		return err
	}))
}

func TestStore_ReservedAndUnknownPartitions(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = NewStore(context.Background(), db, []Partition{{Name: PartitionMeta, Version: 1}}, quietLogger())
	require.Error(t, err)

	s := openStore(t, ":memory:", Partition{Name: "Project", Version: 1})
	defer s.Close()
	err = s.Update(context.Background(), func(tx *Tx) error {
		return tx.Put("Invoice", "i1", map[string]any{})
	})
	require.ErrorIs(t, err, ErrUnknownPartition)
	require.True(t, s.Mirrors("Project"))
	require.False(t, s.Mirrors("Invoice"))
	require.Equal(t, []string{"Project"}, s.Tables())
}

func TestStore_FailedUpdateRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", Partition{Name: "Project", Version: 1})
	defer s.Close()

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put("Project", "p1", map[string]any{"id": "p1"}); err != nil {
			return err
		}
		return ErrBadPatch
	})
	require.ErrorIs(t, err, ErrBadPatch)
	rec, err := s.Record(ctx, "Project", "p1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestStore_RecordsInIDOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, ":memory:", Partition{Name: "Contact", Version: 1})
	defer s.Close()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		for _, id := range []string{"c3", "c1", "c2"} {
			if err := tx.Put("Contact", id, map[string]any{"id": id, "n": 1}); err != nil {
				return err
			}
		}
		return tx.Delete("Contact", "c2")
	}))
	recs, err := s.Records(ctx, "Contact")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "c1", recs[0]["id"])
	require.Equal(t, "c3", recs[1]["id"])
	require.Equal(t, json.Number("1"), recs[0]["n"])

	require.NoError(t, s.Update(ctx, func(tx *Tx) error { return tx.Clear("Contact") }))
	recs, err = s.Records(ctx, "Contact")
	require.NoError(t, err)
	require.Empty(t, recs)
}
