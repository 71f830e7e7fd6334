// Package invoice assigns invoice numbers to settled transactions.
//
// Numbers look like INV-20240301-1764520437462933504: the UTC issue date
// followed by a snowflake id, so they are unique across replicas configured
// with distinct node ids and sort by issue time. Rendering the document
// itself is out of scope.
package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/repo"
)

// Generator numbers transactions.
type Generator struct {
	DB   *gorm.DB
	node *snowflake.Node
	now  func() time.Time
}

// NewGenerator returns a Generator for snowflake node nodeID (0..1023).
func NewGenerator(db *gorm.DB, nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("invoice: snowflake node: %w", err)
	}
	return &Generator{DB: db, node: node, now: time.Now}, nil
}

// Number returns a fresh invoice number without storing it.
func (g *Generator) Number() string {
	return fmt.Sprintf("INV-%s-%s", g.now().UTC().Format("20060102"), g.node.Generate().String())
}

// Generate assigns a new invoice number to the transaction and returns it.
func (g *Generator) Generate(ctx context.Context, transactionID string) (string, error) {
	num := g.Number()
	if err := repo.SetInvoiceNumber(ctx, g.DB, transactionID, num); err != nil {
		return "", err
	}
	return num, nil
}
