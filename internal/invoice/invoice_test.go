package invoice

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Transaction{}))
	return db
}

func TestNewGenerator_RejectsBadNode(t *testing.T) {
	_, err := NewGenerator(nil, 4096)
	assert.Error(t, err)
}

func TestNumber_FormatAndUniqueness(t *testing.T) {
	g, err := NewGenerator(nil, 3)
	require.NoError(t, err)
	g.now = func() time.Time { return time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC) }

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		n := g.Number()
		require.True(t, strings.HasPrefix(n, "INV-20240301-"), n)
		require.False(t, seen[n], "duplicate invoice number %s", n)
		seen[n] = true
	}
}

func TestGenerate_StoresNumber(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tx := &domain.Transaction{UserID: "u1", Amount: 30, Type: domain.ConsultChat, Status: domain.TxSuccess}
	require.NoError(t, repo.CreateTransaction(ctx, db, tx))

	g, err := NewGenerator(db, 1)
	require.NoError(t, err)

	num, err := g.Generate(ctx, tx.ID)
	require.NoError(t, err)

	got, err := repo.GetTransaction(ctx, db, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, num, got.InvoiceNumber)

	_, err = g.Generate(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
