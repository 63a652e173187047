package preview

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapfuse/internal/adapter"
)

// SQLExecutor runs requests on a local adapter. The page and the optional
// count run concurrently.
type SQLExecutor struct {
	db     adapter.Adapter
	logger *slog.Logger
}

// NewSQLExecutor creates an executor backed by a connected adapter.
func NewSQLExecutor(db adapter.Adapter, logger *slog.Logger) *SQLExecutor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLExecutor{db: db, logger: logger}
}

// Execute implements Executor. Engine errors are returned as *ExecError.
func (e *SQLExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	body := strings.TrimSpace(req.SQL)
	body = strings.TrimSpace(strings.TrimSuffix(body, ";"))
	if body == "" {
		return nil, &ExecError{Description: "query is empty"}
	}
	limit, offset := req.Limit, req.Offset
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	resp := &Response{Data: [][]any{}}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		query := fmt.Sprintf("SELECT * FROM (\n%s\n) AS preview LIMIT %d OFFSET %d", body, limit, offset)
		cols, data, err := e.page(gctx, query)
		resp.Columns, resp.Data = cols, data
		return err
	})
	if req.NeedCount {
		g.Go(func() error {
			n, err := e.count(gctx, "SELECT COUNT(*) FROM (\n"+body+"\n) AS preview")
			resp.Count = n
			return err
		})
	}

	start := time.Now()
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecError{Description: err.Error(), Err: err}
	}
	e.logger.Debug("query executed",
		slog.String("dialect", e.db.DialectName()),
		slog.Int("rows", len(resp.Data)),
		slog.Duration("elapsed", time.Since(start)))
	return resp, nil
}

func (e *SQLExecutor) page(ctx context.Context, query string) ([]Column, [][]any, error) {
	rows, err := e.db.Query(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read result columns: %w", err)
	}
	cols := make([]Column, len(types))
	for i, ct := range types {
		cols[i] = Column{Name: ct.Name(), Type: strings.ToLower(ct.DatabaseTypeName())}
	}

	data := [][]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return cols, data, nil
}

func (e *SQLExecutor) count(ctx context.Context, query string) (int64, error) {
	rows, err := e.db.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to scan count: %w", err)
		}
	}
	return n, rows.Err()
}
