package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func BenchmarkMonitor_RecordOutcome(b *testing.B) {
	m := NewMonitor(MonitorConfig{})
	errBoom := errors.New("boom")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var err error
		if i%10 == 0 {
			err = errBoom
		}
		m.RecordOutcome("SELECT * FROM orders WHERE id = ?", time.Duration(i%2000)*time.Millisecond, err)
	}
}

func BenchmarkMonitor_RecordOutcomeParallel(b *testing.B) {
	m := NewMonitor(MonitorConfig{})

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.RecordOutcome("q", time.Millisecond, nil)
		}
	})
}

func BenchmarkMonitor_Tick(b *testing.B) {
	m := NewMonitor(MonitorConfig{})
	for i := 0; i < DefaultMaxQueryMetrics; i++ {
		m.RecordOutcome("q", time.Millisecond, nil)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Tick()
	}
}

func BenchmarkComputeScore(b *testing.B) {
	in := ScoreInput{Utilization: 70, ConnectionErrors: 3, SlowQueries: 12, TotalQueries: 100}
	for i := 0; i < b.N; i++ {
		ComputeScore(in)
	}
}

func BenchmarkAggregator_CheckAll(b *testing.B) {
	agg := NewAggregator()
	for _, name := range []string{"orders", "billing", "users", "pool"} {
		agg.Register(name, staticChecker(name, StatusHealthy))
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.CheckAll(ctx)
	}
}
