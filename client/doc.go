// Package client composes the resilience, health and observe packages into
// a single entry point for database calls.
//
// A Client protects one database resource. Every call passes through an
// optional bulkhead, the circuit breaker, the retry executor and an optional
// per-attempt timeout. Each attempt is traced, counted and fed to the
// resource's health monitor, including attempts whose caller has already
// gone away.
//
// Basic usage:
//
//	c := client.OpenDB(connector, client.Config{
//		Name:          "orders",
//		MaxConcurrent: 20,
//	})
//	defer c.Close()
//
//	n, err := client.Do(ctx, c, "orders.count", func(ctx context.Context) (int, error) {
//		var n int
//		err := c.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&n)
//		return n, err
//	})
//
// Gorm users wrap their *gorm.DB:
//
//	g := client.NewGorm(c, gdb)
//	err := g.Transaction(ctx, "orders.place", func(tx *gorm.DB) error {
//		return tx.Create(&order).Error
//	})
package client
