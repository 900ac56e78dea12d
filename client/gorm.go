package client

import (
	"context"

	"gorm.io/gorm"

	"github.com/jonwraymond/dbguard/resilience"
)

// Gorm runs gorm operations through a Client.
type Gorm struct {
	client *Client
	db     *gorm.DB
}

// NewGorm binds db to c.
func NewGorm(c *Client, db *gorm.DB) *Gorm {
	return &Gorm{client: c, db: db}
}

// Run calls fn with a session bound to the attempt's context. fn should
// return the statement's Error.
func (g *Gorm) Run(ctx context.Context, label string, fn func(*gorm.DB) error, opts ...resilience.CallOption) error {
	return g.client.Execute(ctx, label, func(ctx context.Context) error {
		return fn(g.db.WithContext(ctx))
	}, opts...)
}

// Transaction runs fn in a transaction. A retried attempt replays the whole
// transaction.
func (g *Gorm) Transaction(ctx context.Context, label string, fn func(tx *gorm.DB) error, opts ...resilience.CallOption) error {
	return g.client.Execute(ctx, label, func(ctx context.Context) error {
		return g.db.WithContext(ctx).Transaction(fn)
	}, opts...)
}

// DB returns the wrapped handle.
func (g *Gorm) DB() *gorm.DB { return g.db }
