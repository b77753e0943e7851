package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"

	"github.com/pouriya/redashmcp/internal/normalize"
	"github.com/pouriya/redashmcp/internal/orders"
	"github.com/pouriya/redashmcp/internal/render"
)

const (
	apiListLimit   = 20
	apiListMax     = 100
	apiSearchLimit = 10
	apiSearchMax   = 50
)

type ordersResponse struct {
	Orders    []normalize.Record `json:"orders"`
	Total     int                `json:"total"`
	Returned  int                `json:"returned"`
	Columns   []string           `json:"columns"`
	Source    string             `json:"source"`
	FetchedAt string             `json:"fetched_at"`
}

func newOrdersResponse(snap *orders.Snapshot, recs []normalize.Record, total int) ordersResponse {
	if recs == nil {
		recs = []normalize.Record{}
	}
	return ordersResponse{
		Orders:    recs,
		Total:     total,
		Returned:  len(recs),
		Columns:   snap.Columns,
		Source:    snap.Source,
		FetchedAt: snap.FetchedAt.Format(time.RFC3339),
	}
}

// listOrders serves GET /api/orders. format=summary or format=detailed
// returns the same text the list_orders tool renders.
func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Store.Get(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	limit := queryLimit(r, apiListLimit, apiListMax)
	recs := snap.Records
	if len(recs) > limit {
		recs = recs[:limit]
	}

	switch format := strings.ToLower(r.URL.Query().Get("format")); format {
	case render.FormatSummary, render.FormatDetailed:
		text := render.Safe(render.Minimal(snap, len(recs)), func() string {
			return render.Orders(snap, recs, format)
		})
		writeText(w, http.StatusOK, text)
	default:
		writeJSON(w, http.StatusOK, newOrdersResponse(snap, recs, len(snap.Records)))
	}
}

// searchOrders serves GET /api/orders/search?q=...&field=...&exact=...
func (s *Server) searchOrders(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	text := strings.TrimSpace(qs.Get("q"))
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	snap, err := s.cfg.Store.Get(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}

	q := orders.Query{
		Text:  text,
		Exact: cast.ToBool(qs.Get("exact")),
		Limit: queryLimit(r, apiSearchLimit, apiSearchMax),
	}
	snap.Restrict(&q, qs.Get("field"))
	recs, total := orders.Search(snap.Records, q)
	writeJSON(w, http.StatusOK, newOrdersResponse(snap, recs, total))
}

func (s *Server) ordersStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Store.Get(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}

	fill := make(map[string]int, len(snap.Columns))
	for _, c := range snap.Columns {
		for _, rec := range snap.Records {
			if rec[c] != "" {
				fill[c]++
			}
		}
	}
	detected := map[string]string{}
	for _, f := range orders.Fields {
		for _, rec := range snap.Records {
			if _, col, ok := f.Lookup(rec); ok {
				detected[f.Name] = col
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_records":   len(snap.Records),
		"columns":         snap.Columns,
		"filled":          fill,
		"detected_fields": detected,
		"skipped_rows":    snap.Skipped,
		"blank_rows":      snap.Blank,
		"source":          snap.Source,
		"fetched_at":      snap.FetchedAt.Format(time.RFC3339),
	})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimPrefix(strings.TrimSpace(chi.URLParam(r, "number")), "#")
	snap, err := s.cfg.Store.Get(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	recs, _ := orders.Search(snap.Records, orders.Query{
		Text: number, Exact: true, Field: &orders.OrderNumber, Limit: 1,
	})
	if len(recs) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no order found with number " + number})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":      recs[0],
		"source":     snap.Source,
		"fetched_at": snap.FetchedAt.Format(time.RFC3339),
	})
}

// queryLimit reads ?limit= the way the tools read their limit argument.
func queryLimit(r *http.Request, def, hi int) int {
	return orders.Limit(r.URL.Query().Get("limit"), def, hi)
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(text))
}
