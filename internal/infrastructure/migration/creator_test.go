package migration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/erp/fiscalsync/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"add lot index", "add_lot_index"},
		{"Add--Lot  Index", "add_lot_index"},
		{"expiry (v2)!", "expiry_v2"},
		{"___", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeName(tt.in), tt.in)
	}
}

func TestCreateMigration_Sequential(t *testing.T) {
	dir := t.TempDir()

	first, err := CreateMigration(dir, "create lots", "lease tables")
	require.NoError(t, err)
	assert.Equal(t, uint(1), first.Version)
	assert.Equal(t, filepath.Join(dir, "000001_create_lots.up.sql"), first.UpPath)

	second, err := CreateMigration(dir, "add retry count", "")
	require.NoError(t, err)
	assert.Equal(t, uint(2), second.Version)

	body, err := os.ReadFile(first.UpPath)
	require.NoError(t, err)
	assert.Contains(t, string(body), "lease tables")

	list, err := ListMigrations(os.DirFS(dir))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "000002_add_retry_count", list[1].String())

	_, err = CreateMigration(dir, "!!!", "")
	assert.Error(t, err)
}

func TestListMigrations_Embedded(t *testing.T) {
	list, err := ListMigrations(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, uint(1), list[0].Version)
	assert.Equal(t, "create_lot_tables", list[0].Name)
}
