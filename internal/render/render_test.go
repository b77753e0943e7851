package render

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouriya/redashmcp/internal/normalize"
	"github.com/pouriya/redashmcp/internal/orders"
)

func testSnapshot(n int) *orders.Snapshot {
	snap := &orders.Snapshot{
		Columns:   []string{"order_id", "customer_name", "email", "status"},
		FetchedAt: time.Now().Add(-time.Minute),
		Source:    "Redash Query 3654",
	}
	for i := 0; i < n; i++ {
		snap.Records = append(snap.Records, normalize.Record{
			"order_id":      fmt.Sprint(1000 + i),
			"customer_name": fmt.Sprintf("Customer %d", i),
			"email":         fmt.Sprintf("c%d@example.com", i),
			"status":        "paid",
		})
	}
	return snap
}

func TestOrders_Summary(t *testing.T) {
	snap := testSnapshot(7)
	text := Orders(snap, snap.Records, FormatSummary)

	assert.Contains(t, text, "📊 Orders Summary - 7 records retrieved")
	assert.Contains(t, text, "1. order_id: 1000 | customer_name: Customer 0 | email: c0@example.com\n")
	assert.NotContains(t, text, "6. ")
	assert.Contains(t, text, "... and 2 more orders available")
	assert.Contains(t, text, "**📍 Source:** Redash Query 3654")
	assert.Contains(t, text, "**📊 Total columns:** 4")
}

func TestOrders_UnknownFormatIsSummary(t *testing.T) {
	snap := testSnapshot(1)
	assert.Equal(t, Orders(snap, snap.Records, FormatSummary), Orders(snap, snap.Records, "xml"))
}

func TestOrders_Detailed(t *testing.T) {
	snap := testSnapshot(12)
	text := Orders(snap, snap.Records, FormatDetailed)

	assert.Contains(t, text, "📊 Detailed Orders Data (12 records)")
	assert.Contains(t, text, "**Order 10:**")
	assert.NotContains(t, text, "**Order 11:**")
	assert.Contains(t, text, "  • status: paid\n")
	assert.Contains(t, text, "... and 2 more orders available")
}

func TestOrders_JSON(t *testing.T) {
	snap := testSnapshot(6)
	text := Orders(snap, snap.Records, FormatJSON)

	assert.Contains(t, text, "📊 Orders Data (JSON format) - 6 records")
	assert.Contains(t, text, "```json\n[")
	assert.Contains(t, text, `"order_id": "1004"`)
	assert.NotContains(t, text, `"order_id": "1005"`)
	assert.Contains(t, text, "showing first 5 of 6 total records")
}

func TestStats(t *testing.T) {
	snap := testSnapshot(3)
	snap.Records[1]["email"] = ""
	snap.Blank = 2
	text := Stats(snap)

	assert.Contains(t, text, "**📊 Total Records:** 3")
	assert.Contains(t, text, "**🏷️ Total Columns:** 4")
	assert.Contains(t, text, "3. email (67% filled)")
	assert.Contains(t, text, "0 malformed, 2 blank")
	assert.Contains(t, text, "Order number → order_id")
	assert.Contains(t, text, "Customer → customer_name")
	assert.Contains(t, text, "**🔍 Sample Data (First Record):**")
}

func TestStats_LargeCountsUseSeparators(t *testing.T) {
	snap := testSnapshot(0)
	for i := 0; i < 1234; i++ {
		snap.Records = append(snap.Records, normalize.Record{"order_id": "x"})
	}
	assert.Contains(t, Stats(snap), "**📊 Total Records:** 1,234")
}

func TestSearch(t *testing.T) {
	snap := testSnapshot(4)
	text := Search(snap, snap.Records[:2], 4, "'paid'")
	assert.Contains(t, text, "🔍 Found 4 orders matching 'paid' (showing first 2)")
	assert.Contains(t, text, "1. #1000 | Customer 0 | c0@example.com | paid")

	text = Search(snap, nil, 0, "'nothing'")
	assert.Contains(t, text, "No orders found matching 'nothing'")
}

func TestOrder(t *testing.T) {
	snap := testSnapshot(1)
	text := Order(snap, snap.Records[0])
	assert.True(t, strings.HasPrefix(text, "🧾 Order 1000"))
	assert.Contains(t, text, "**Email:** c0@example.com")
	assert.Contains(t, text, "  • customer_name: Customer 0")
}

func TestKeys_ColumnOrderThenSorted(t *testing.T) {
	rec := normalize.Record{"z": "1", "b": "2", "a": "3", "extra": "4"}
	assert.Equal(t, []string{"b", "a", "extra", "z"}, Keys(rec, []string{"b", "a", "missing"}))
}

func TestSafe_RecoversPanic(t *testing.T) {
	text := Safe("fallback", func() string {
		var rec normalize.Record
		rec["boom"] = "x"
		return "unreachable"
	})
	require.Equal(t, "fallback", text)
	assert.Equal(t, "ok", Safe("fallback", func() string { return "ok" }))
}

func TestError(t *testing.T) {
	assert.Equal(t, "❌ Error getting orders data: boom", Error(errors.New("boom")))
}
