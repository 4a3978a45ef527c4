package peercache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peercache.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func entry(pUuid, topic, nUuid string, seen int64) Entry {
	return Entry{
		PUuid: pUuid, Topic: topic, NUuid: nUuid,
		Addr: "tcp://10.0.0.1:6000", Ctrl: "tcp://10.0.0.1:6001",
		LastSeen: seen,
	}
}

func TestStorePutAndList(t *testing.T) {
	s, _ := newTestStore(t)

	ins, err := s.Put(entry("p1", "/t", "n1", 100))
	require.NoError(t, err)
	assert.True(t, ins)

	// Same key again is an update, not an insert.
	ins, err = s.Put(entry("p1", "/t", "n1", 200))
	require.NoError(t, err)
	assert.False(t, ins)

	ins, err = s.Put(entry("p2", "/t", "n1", 150))
	require.NoError(t, err)
	assert.True(t, ins)

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	last, err := s.LastSeen()
	require.NoError(t, err)
	assert.Equal(t, int64(200), last)
}

func TestStoreRejectsPartialKeys(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Put(Entry{PUuid: "p1", Topic: "/t"})
	assert.Error(t, err)
	_, err = s.Put(Entry{Topic: "/t", NUuid: "n1"})
	assert.Error(t, err)
}

func TestStoreDeleteProc(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Put(entry("p1", "/t1", "n1", 1))
	require.NoError(t, err)
	_, err = s.Put(entry("p1", "/t2", "n2", 2))
	require.NoError(t, err)
	_, err = s.Put(entry("p2", "/t1", "n1", 3))
	require.NoError(t, err)

	require.NoError(t, s.DeleteProc("p1"))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p2", entries[0].PUuid)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peercache.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Put(entry("p1", "/t", "n1", 42))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(42), entries[0].LastSeen)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
