// Package render formats order snapshots as text for tool results.
package render

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pouriya/redashmcp/internal/normalize"
	"github.com/pouriya/redashmcp/internal/orders"
)

// Output formats accepted by Orders.
const (
	FormatSummary  = "summary"
	FormatDetailed = "detailed"
	FormatJSON     = "json"
)

// Formats lists the accepted formats, default first.
var Formats = []string{FormatSummary, FormatDetailed, FormatJSON}

const (
	summaryRows  = 5
	detailedRows = 10
	jsonRows     = 5
	summaryCols  = 3
	sampleFields = 5
)

// Safe runs fn and returns its text. If fn panics on unexpected data the
// panic is logged and fallback is returned instead.
func Safe(fallback string, fn func() string) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("render failed", "panic", r)
			text = fallback
		}
	}()
	return fn()
}

// Minimal is the fallback text for a failed rendering.
func Minimal(snap *orders.Snapshot, n int) string {
	return fmt.Sprintf("📊 %d records (formatting failed, source: %s)", n, snap.Source)
}

// Orders renders records in the given format. Unknown formats render as
// summary.
func Orders(snap *orders.Snapshot, recs []normalize.Record, format string) string {
	switch format {
	case FormatJSON:
		return ordersJSON(recs)
	case FormatDetailed:
		return ordersDetailed(snap, recs)
	default:
		return ordersSummary(snap, recs)
	}
}

func ordersSummary(snap *orders.Snapshot, recs []normalize.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Orders Summary - %d records retrieved\n\n", len(recs))
	for i, rec := range head(recs, summaryRows) {
		keys := Keys(rec, snap.Columns)
		if len(keys) > summaryCols {
			keys = keys[:summaryCols]
		}
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+rec[k])
		}
		fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.Join(parts, " | "))
	}
	if len(recs) > summaryRows {
		fmt.Fprintf(&sb, "\n... and %d more orders available\n", len(recs)-summaryRows)
	}
	fmt.Fprintf(&sb, "\n**📍 Source:** %s\n", snap.Source)
	fmt.Fprintf(&sb, "**🕐 Retrieved:** %s\n", retrieved(snap.FetchedAt))
	fmt.Fprintf(&sb, "**📊 Total columns:** %d", len(snap.Columns))
	return sb.String()
}

func ordersDetailed(snap *orders.Snapshot, recs []normalize.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Detailed Orders Data (%d records)\n\n", len(recs))
	for i, rec := range head(recs, detailedRows) {
		fmt.Fprintf(&sb, "**Order %d:**\n", i+1)
		writeFields(&sb, rec, snap.Columns)
		sb.WriteString("\n")
	}
	if len(recs) > detailedRows {
		fmt.Fprintf(&sb, "... and %d more orders available", len(recs)-detailedRows)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func ordersJSON(recs []normalize.Record) string {
	shown := head(recs, jsonRows)
	j, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		j = []byte("[]")
	}
	text := fmt.Sprintf("📊 Orders Data (JSON format) - %d records\n\n```json\n%s\n```", len(recs), j)
	if len(recs) > jsonRows {
		text += fmt.Sprintf("\n\n... showing first %d of %d total records", jsonRows, len(recs))
	}
	return text
}

// Order renders a single record with its semantic fields first.
func Order(snap *orders.Snapshot, rec normalize.Record) string {
	var sb strings.Builder
	number := orders.OrderNumber.Value(rec)
	if number == "" {
		number = "(no number)"
	}
	fmt.Fprintf(&sb, "🧾 Order %s\n\n", number)
	for _, f := range []orders.Field{orders.Customer, orders.Email, orders.Status, orders.Total, orders.Date} {
		if v := f.Value(rec); v != "" {
			fmt.Fprintf(&sb, "**%s:** %s\n", label(f.Name), v)
		}
	}
	sb.WriteString("\n**All fields:**\n")
	writeFields(&sb, rec, snap.Columns)
	fmt.Fprintf(&sb, "\n**📍 Source:** %s", snap.Source)
	return sb.String()
}

// Search renders search matches. total counts all matches before the limit.
func Search(snap *orders.Snapshot, recs []normalize.Record, total int, what string) string {
	if total == 0 {
		return fmt.Sprintf("🔍 No orders found matching %s\n\nSearched %s records from %s.",
			what, humanize.Comma(int64(len(snap.Records))), snap.Source)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "🔍 Found %d orders matching %s", total, what)
	if len(recs) < total {
		fmt.Fprintf(&sb, " (showing first %d)", len(recs))
	}
	sb.WriteString("\n\n")
	for i, rec := range recs {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, Line(rec, snap.Columns))
	}
	fmt.Fprintf(&sb, "\n**📍 Source:** %s | **🕐 Retrieved:** %s", snap.Source, retrieved(snap.FetchedAt))
	return sb.String()
}

// Line is a one-line summary of a record built from its semantic fields,
// or from its first columns when none are present.
func Line(rec normalize.Record, columns []string) string {
	var parts []string
	if n := orders.OrderNumber.Value(rec); n != "" {
		parts = append(parts, "#"+n)
	}
	for _, f := range []orders.Field{orders.Customer, orders.Email, orders.Status, orders.Total} {
		if v := f.Value(rec); v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		for _, k := range head(Keys(rec, columns), summaryCols) {
			parts = append(parts, k+": "+rec[k])
		}
	}
	return strings.Join(parts, " | ")
}

// Stats renders totals, per-column fill rates and a sample record.
func Stats(snap *orders.Snapshot) string {
	var sb strings.Builder
	n := len(snap.Records)
	sb.WriteString("📈 Orders Database Statistics\n\n")
	fmt.Fprintf(&sb, "**📊 Total Records:** %s\n", humanize.Comma(int64(n)))
	fmt.Fprintf(&sb, "**🏷️ Total Columns:** %d\n", len(snap.Columns))
	fmt.Fprintf(&sb, "**🔗 Data Source:** %s\n", snap.Source)
	fmt.Fprintf(&sb, "**⏰ Last Updated:** %s\n", retrieved(snap.FetchedAt))
	if snap.Skipped > 0 || snap.Blank > 0 {
		fmt.Fprintf(&sb, "**⚠️ Rows ignored:** %d malformed, %d blank\n", snap.Skipped, snap.Blank)
	}

	if len(snap.Columns) > 0 {
		sb.WriteString("\n**📋 Available Columns:**\n")
		for i, col := range snap.Columns {
			filled := 0
			for _, rec := range snap.Records {
				if rec[col] != "" {
					filled++
				}
			}
			fmt.Fprintf(&sb, "  %d. %s (%s filled)\n", i+1, col, percent(filled, n))
		}
	}

	var detected []string
	for _, f := range []orders.Field{orders.OrderNumber, orders.Customer, orders.Email, orders.Status, orders.Total, orders.Date} {
		for _, rec := range snap.Records {
			if _, col, ok := f.Lookup(rec); ok {
				detected = append(detected, fmt.Sprintf("%s → %s", label(f.Name), col))
				break
			}
		}
	}
	if len(detected) > 0 {
		sb.WriteString("\n**🧭 Detected Fields:**\n")
		for _, d := range detected {
			fmt.Fprintf(&sb, "  • %s\n", d)
		}
	}

	if n > 0 {
		sb.WriteString("\n**🔍 Sample Data (First Record):**\n")
		rec := snap.Records[0]
		keys := Keys(rec, snap.Columns)
		for _, k := range head(keys, sampleFields) {
			fmt.Fprintf(&sb, "  • **%s:** %s\n", k, rec[k])
		}
		if len(keys) > sampleFields {
			fmt.Fprintf(&sb, "  ... and %d more fields\n", len(keys)-sampleFields)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Error renders a store failure as tool text.
func Error(err error) string {
	return "❌ Error getting orders data: " + err.Error()
}

// Keys returns the keys of rec in column order, followed by any keys not in
// columns in sorted order.
func Keys(rec normalize.Record, columns []string) []string {
	keys := make([]string, 0, len(rec))
	seen := make(map[string]bool, len(rec))
	for _, c := range columns {
		if _, ok := rec[c]; ok && !seen[c] {
			keys = append(keys, c)
			seen[c] = true
		}
	}
	var rest []string
	for k := range rec {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func writeFields(sb *strings.Builder, rec normalize.Record, columns []string) {
	for _, k := range Keys(rec, columns) {
		fmt.Fprintf(sb, "  • %s: %s\n", k, rec[k])
	}
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func retrieved(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(t))
}

func percent(part, total int) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.0f%%", float64(part)*100/float64(total))
}

func label(name string) string {
	switch name {
	case "order_number":
		return "Order number"
	case "email":
		return "Email"
	case "customer":
		return "Customer"
	case "status":
		return "Status"
	case "total":
		return "Total"
	case "date":
		return "Date"
	}
	return name
}
