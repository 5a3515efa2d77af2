package clustering

import (
	"context"
	"fmt"
	"testing"
)

func benchMembers(n int) []Member {
	towns := []string{"Madurai", "Salem", "Erode", "Vellore", "Hosur"}
	members := make([]Member, n)
	for i := range members {
		members[i] = Member{
			CandidateID: fmt.Sprintf("c-%05d", i),
			Raw:         fmt.Sprintf("%s Medicals %d", towns[i%len(towns)], i/len(towns)),
			Pending:     true,
			TopScore:    60,
		}
	}
	return members
}

func BenchmarkClustererRun(b *testing.B) {
	for _, size := range []int{50, 200, 800} {
		b.Run(fmt.Sprintf("members=%d", size), func(b *testing.B) {
			members := benchMembers(size)
			c := NewClusterer(85, retailerSimilarity)
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = c.Run(ctx, members)
			}
		})
	}
}

func BenchmarkUnionFind(b *testing.B) {
	const n = 10000
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		u := NewUnionFind(n)
		for j := 1; j < n; j += 2 {
			u.Union(j-1, j)
		}
		_ = u.Sets(2)
	}
}
