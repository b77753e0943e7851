package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/pouriya/redashmcp/internal/orders"
	"github.com/pouriya/redashmcp/internal/render"
)

const (
	listDefaultLimit   = 20
	listMaxLimit       = 100
	searchDefaultLimit = 10
	searchMaxLimit     = 50
)

type toolHandler func(s *Server, ctx context.Context, id any, args map[string]any) (*jsonrpcResponse, error)

var toolHandlers = map[string]toolHandler{
	"list_orders":               (*Server).toolListOrders,
	"get_orders":                (*Server).toolListOrders,
	"search_orders":             (*Server).toolSearchOrders,
	"search_orders_by_email":    (*Server).toolSearchByEmail,
	"search_orders_by_customer": (*Server).toolSearchByCustomer,
	"get_order":                 (*Server).toolGetOrder,
	"get_orders_stats":          (*Server).toolStats,
}

type listArgs struct {
	Limit  any    `json:"limit"`
	Format string `json:"format"`
}

type searchArgs struct {
	Query      string `json:"query"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Field      string `json:"field"`
	ExactMatch any    `json:"exact_match"`
	Limit      any    `json:"limit"`
}

type orderArgs struct {
	OrderNumber string `json:"order_number"`
}

func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}

func (s *Server) snapshot(ctx context.Context, id any) (*orders.Snapshot, *jsonrpcResponse) {
	snap, err := s.Orders.Get(ctx)
	if err != nil {
		slog.Warn("orders unavailable", "error", err)
		return nil, toolError(id, render.Error(err))
	}
	return snap, nil
}

func (s *Server) toolListOrders(ctx context.Context, id any, args map[string]any) (*jsonrpcResponse, error) {
	var a listArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	limit := orders.Limit(a.Limit, listDefaultLimit, listMaxLimit)
	format := enumArg(a.Format, render.Formats)

	snap, errResp := s.snapshot(ctx, id)
	if errResp != nil {
		return errResp, nil
	}
	recs := snap.Records
	if len(recs) > limit {
		recs = recs[:limit]
	}
	text := render.Safe(render.Minimal(snap, len(recs)), func() string {
		return render.Orders(snap, recs, format)
	})
	slog.Info("tool call", "tool", "list_orders", "format", format, "items", len(recs))
	return toolText(id, text), nil
}

func (s *Server) toolSearchOrders(ctx context.Context, id any, args map[string]any) (*jsonrpcResponse, error) {
	var a searchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(a.Query)
	if query == "" {
		return toolError(id, "query is required"), nil
	}

	snap, errResp := s.snapshot(ctx, id)
	if errResp != nil {
		return errResp, nil
	}

	q := orders.Query{
		Text:  query,
		Exact: boolArg(a.ExactMatch),
		Limit: orders.Limit(a.Limit, searchDefaultLimit, searchMaxLimit),
	}
	what := fmt.Sprintf("'%s'", query)
	if field := snap.Restrict(&q, a.Field); field != "" {
		what += " in " + field
	}
	return s.search(id, "search_orders", snap, q, what), nil
}

func (s *Server) toolSearchByEmail(ctx context.Context, id any, args map[string]any) (*jsonrpcResponse, error) {
	var a searchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	email := strings.TrimSpace(a.Email)
	if email == "" {
		return toolError(id, "email is required"), nil
	}
	snap, errResp := s.snapshot(ctx, id)
	if errResp != nil {
		return errResp, nil
	}
	q := orders.Query{
		Text:  email,
		Exact: boolArg(a.ExactMatch),
		Field: &orders.Email,
		Limit: orders.Limit(a.Limit, searchDefaultLimit, searchMaxLimit),
	}
	return s.search(id, "search_orders_by_email", snap, q, fmt.Sprintf("email '%s'", email)), nil
}

func (s *Server) toolSearchByCustomer(ctx context.Context, id any, args map[string]any) (*jsonrpcResponse, error) {
	var a searchArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return toolError(id, "name is required"), nil
	}
	snap, errResp := s.snapshot(ctx, id)
	if errResp != nil {
		return errResp, nil
	}
	q := orders.Query{
		Text:  name,
		Exact: boolArg(a.ExactMatch),
		Field: &orders.Customer,
		Limit: orders.Limit(a.Limit, searchDefaultLimit, searchMaxLimit),
	}
	return s.search(id, "search_orders_by_customer", snap, q, fmt.Sprintf("customer '%s'", name)), nil
}

func (s *Server) search(id any, tool string, snap *orders.Snapshot, q orders.Query, what string) *jsonrpcResponse {
	recs, total := orders.Search(snap.Records, q)
	text := render.Safe(render.Minimal(snap, len(recs)), func() string {
		return render.Search(snap, recs, total, what)
	})
	slog.Info("tool call", "tool", tool, "query", q.Text, "items", len(recs), "total", total)
	return toolText(id, text)
}

func (s *Server) toolGetOrder(ctx context.Context, id any, args map[string]any) (*jsonrpcResponse, error) {
	var a orderArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	number := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(a.OrderNumber), "#"))
	if number == "" {
		return toolError(id, "order_number is required"), nil
	}
	snap, errResp := s.snapshot(ctx, id)
	if errResp != nil {
		return errResp, nil
	}
	recs, _ := orders.Search(snap.Records, orders.Query{Text: number, Exact: true, Field: &orders.OrderNumber, Limit: 1})
	if len(recs) == 0 {
		return toolError(id, fmt.Sprintf("No order found with number %s", number)), nil
	}
	text := render.Safe(render.Minimal(snap, 1), func() string {
		return render.Order(snap, recs[0])
	})
	slog.Info("tool call", "tool", "get_order", "order_number", number)
	return toolText(id, text), nil
}

func (s *Server) toolStats(ctx context.Context, id any, _ map[string]any) (*jsonrpcResponse, error) {
	snap, errResp := s.snapshot(ctx, id)
	if errResp != nil {
		return errResp, nil
	}
	text := render.Safe(render.Minimal(snap, len(snap.Records)), func() string {
		return render.Stats(snap)
	})
	slog.Info("tool call", "tool", "get_orders_stats", "items", len(snap.Records))
	return toolText(id, text), nil
}

// --- argument coercion ---

// enumArg returns v if it is one of allowed, otherwise allowed[0].
func enumArg(v string, allowed []string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return allowed[0]
}

func boolArg(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(strings.TrimSpace(b), "true")
	}
	return false
}

func toolNames() []string {
	defs := toolDefinitions()
	names := make([]string, 0, len(defs)+1)
	for _, d := range defs {
		names = append(names, d["name"].(string))
	}
	return append(names, "get_orders")
}

// --- Tool definitions ---

func limitSchema(def, hi int) map[string]any {
	return map[string]any{
		"type":        "integer",
		"description": fmt.Sprintf("Maximum number of orders to return (default %d, max %d)", def, hi),
		"default":     def,
		"minimum":     1,
		"maximum":     hi,
	}
}

func exactSchema() map[string]any {
	return map[string]any{
		"type":        "boolean",
		"description": "Require the whole value to match instead of a substring (default false)",
		"default":     false,
	}
}

func toolDefinitions() []map[string]any {
	return []map[string]any{
		{
			"name":        "list_orders",
			"description": "Get orders data from the Redash query. Returns order information from the database. Also available as get_orders.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": limitSchema(listDefaultLimit, listMaxLimit),
					"format": map[string]any{
						"type":        "string",
						"enum":        render.Formats,
						"description": "Output format for the data (default: summary)",
						"default":     render.FormatSummary,
					},
				},
			},
		},
		{
			"name":        "search_orders",
			"description": "Search orders for a text. Matches any field, or only the given field.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string", "description": "Text to search for (case-insensitive)"},
					"field":       map[string]any{"type": "string", "description": "Column name to search in (optional)"},
					"exact_match": exactSchema(),
					"limit":       limitSchema(searchDefaultLimit, searchMaxLimit),
				},
				"required": []string{"query"},
			},
		},
		{
			"name":        "search_orders_by_email",
			"description": "Find orders by customer email.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"email":       map[string]any{"type": "string", "description": "Email address or part of it"},
					"exact_match": exactSchema(),
					"limit":       limitSchema(searchDefaultLimit, searchMaxLimit),
				},
				"required": []string{"email"},
			},
		},
		{
			"name":        "search_orders_by_customer",
			"description": "Find orders by customer name.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string", "description": "Customer name or part of it"},
					"exact_match": exactSchema(),
					"limit":       limitSchema(searchDefaultLimit, searchMaxLimit),
				},
				"required": []string{"name"},
			},
		},
		{
			"name":        "get_order",
			"description": "Get a single order by its order number, with all fields.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order_number": map[string]any{"type": "string", "description": "The order number"},
				},
				"required": []string{"order_number"},
			},
		},
		{
			"name":        "get_orders_stats",
			"description": "Get statistical summary and metadata about the orders data",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}
