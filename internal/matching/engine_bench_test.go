package matching

import (
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/registry"
)

var sampleRaws = map[string]string{
	"short":  "PARA500",
	"medium": "PARA500-10S",
	"long":   "Paracetamol Tablets IP 500mg strip of 10 (Cipla) batch 4471",
}

func benchCatalogue(n int) []registry.SKUEntry {
	skus := make([]registry.SKUEntry, 0, n+len(catalogue))
	skus = append(skus, catalogue...)
	for i := 0; i < n; i++ {
		skus = append(skus, registry.SKUEntry{
			ID:          fmt.Sprintf("GEN-%05d", i),
			DisplayName: fmt.Sprintf("Generic Molecule %d %dmg", i, (i%20+1)*25),
			Strength:    fmt.Sprintf("%d", (i%20+1)*25),
			Pack:        fmt.Sprintf("%d", i%3*5+10),
		})
	}
	return skus
}

func BenchmarkNormalize(b *testing.B) {
	for name, raw := range sampleRaws {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(raw)))
			for i := 0; i < b.N; i++ {
				_ = Normalize(raw, registry.KindSKU)
			}
		})
	}
}

func BenchmarkMatchSnapshot(b *testing.B) {
	for _, size := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("skus=%d", size), func(b *testing.B) {
			store := newStore(b, benchCatalogue(size), nil)
			snap, err := store.Snapshot(context.Background())
			if err != nil {
				b.Fatal(err)
			}
			engine := newEngine(store)
			req := Request{Raw: sampleRaws["medium"], Kind: registry.KindSKU, DistributorID: "D1"}
			engine.MatchSnapshot(snap, req)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = engine.MatchSnapshot(snap, req)
			}
		})
	}
}

func BenchmarkMatchParallel(b *testing.B) {
	store := newStore(b, benchCatalogue(1000), nil)
	engine := newEngine(store)
	ctx := context.Background()
	req := Request{Raw: sampleRaws["long"], Kind: registry.KindSKU, DistributorID: "D1"}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := engine.Match(ctx, req); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
