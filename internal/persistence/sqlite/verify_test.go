package sqlite

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metadata.db")

	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)

	// Enough rows to spill beyond the first page.
	_, err = db.Exec("CREATE TABLE fingerprints (id INTEGER PRIMARY KEY, data TEXT);")
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, err = db.Exec("INSERT INTO fingerprints (data) VALUES (printf('%.100c', 'A'));")
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	issues, err := VerifyIntegrity(dbPath, "quick")
	require.NoError(t, err)
	require.Nil(t, issues)

	// Scribble over the second page.
	f, err := os.OpenFile(dbPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	garbage := make([]byte, 100)
	_, _ = rand.Read(garbage)
	_, err = f.WriteAt(garbage, 4096)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	issues, err = VerifyIntegrity(dbPath, "full")
	require.NoError(t, err)
	require.NotEmpty(t, issues)
}

func TestOpenAppliesPoolLimits(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	db, err := Open(dbPath, Config{BusyTimeout: DefaultConfig().BusyTimeout, MaxOpenConns: 2})
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, 2, db.Stats().MaxOpenConnections)
}
