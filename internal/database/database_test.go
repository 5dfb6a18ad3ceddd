package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/models"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "data/warden.db?"+sqlitePragmas, DSN("data/warden.db"))
	assert.Equal(t, "file:x?mode=memory&"+sqlitePragmas, DSN("file:x?mode=memory"))
	assert.Equal(t, "a.db?_txlock=deferred", DSN("a.db?_txlock=deferred"))
}

func TestOpenAndMigrate(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, m := range []interface{}{&models.RequestEvent{}, &models.IdentityRecord{}, &models.Alert{}, &models.AlertRule{}} {
		assert.True(t, db.Migrator().HasTable(m))
	}
	assert.True(t, db.Migrator().HasIndex(&models.RequestEvent{}, "idx_events_identifier_time"))
}

func TestOpenTestDB_IsolatedPerTest(t *testing.T) {
	db := OpenTestDB(t)
	require.NoError(t, db.Create(&models.AlertRule{Name: "r1", Enabled: true}).Error)

	var count int64
	db.Model(&models.AlertRule{}).Count(&count)
	assert.Equal(t, int64(1), count)
}
