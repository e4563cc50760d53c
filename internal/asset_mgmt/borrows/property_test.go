package borrows

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"IRIS-lending/internal/asset_mgmt/inventory"
	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/borrowers"
	"IRIS-lending/internal/platform/clock"
)

// After any sequence of submissions, reserved stock per item equals the sum of
// lines on borrowed transactions and never leaves [0, total].
func TestSubmit_QuantityInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := lendstore.NewMemStore()
		clk := clock.NewManual(now)
		catalog := inventory.NewCatalog(store, zap.NewNop(), inventory.WithClock(clk))
		engine := NewEngine(store, catalog, borrowers.NewStaticDirectory("S1"), zap.NewNop(), WithClock(clk))
		ctx := context.Background()

		items := []string{"A", "B", "C"}
		totals := map[string]int{}
		for _, id := range items {
			total := rapid.IntRange(0, 6).Draw(rt, "total_"+id)
			totals[id] = total
			if _, err := catalog.CreateItem(ctx, inventory.CreateItemRequest{ItemID: id, Name: id, TotalQuantity: total}); err != nil {
				rt.Fatalf("create: %v", err)
			}
		}

		steps := rapid.IntRange(1, 15).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			n := rapid.IntRange(1, 3).Draw(rt, fmt.Sprintf("lines_%d", i))
			var lines []LineRequest
			for j := 0; j < n; j++ {
				lines = append(lines, LineRequest{
					ItemID:   rapid.SampledFrom(items).Draw(rt, fmt.Sprintf("item_%d_%d", i, j)),
					Quantity: rapid.IntRange(1, 3).Draw(rt, fmt.Sprintf("qty_%d_%d", i, j)),
				})
			}
			_, _ = engine.Submit(ctx, request("S1", lines...))

			reserved := map[string]int{}
			txns, _, err := store.ListTransactions(ctx, lendstore.TxFilter{}, lendstore.Page{Limit: 200})
			if err != nil {
				rt.Fatalf("list: %v", err)
			}
			for _, tx := range txns {
				if !tx.Status.Open() {
					continue
				}
				for _, l := range tx.Lines {
					reserved[l.ItemID] += l.Quantity
				}
			}
			for _, id := range items {
				st, err := catalog.Status(ctx, id)
				if err != nil {
					rt.Fatalf("status: %v", err)
				}
				if st.Available < 0 || st.Available > totals[id] {
					rt.Fatalf("item %s available %d outside [0,%d]", id, st.Available, totals[id])
				}
				if totals[id]-st.Available != reserved[id] {
					rt.Fatalf("item %s reserved %d, lines say %d", id, totals[id]-st.Available, reserved[id])
				}
			}
		}
	})
}
