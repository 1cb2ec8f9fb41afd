package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("alpha"), []byte{0x01}))

	got, err := db.Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, got)

	_, err = db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLevelDBRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leveldb")
	db, err := NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("alpha"), []byte{0x02}))
	got, err := db.Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x02}, got)

	_, err = db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBoltDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	db, err := NewBoltDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("alpha"), []byte{0x03}))
	db.Close()

	reopened, err := NewBoltDB(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x03}, got)

	_, err = reopened.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestOpenSelectsBackend(t *testing.T) {
	db, err := Open("memory", "")
	require.NoError(t, err)
	require.IsType(t, &MemDB{}, db)

	db, err = Open("bolt", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.IsType(t, &BoltDB{}, db)
	db.Close()

	_, err = Open("cassandra", "")
	require.Error(t, err)
}
