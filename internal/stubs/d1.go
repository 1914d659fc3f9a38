package stubs

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// D1 is a bound database.
type D1 struct {
	ch   *rpc.Channel
	uuid string
}

// NewD1 binds the database with the given UUID.
func NewD1(ch *rpc.Channel, uuid string) *D1 {
	return &D1{ch: ch, uuid: uuid}
}

// Statement is a prepared statement. Bind returns a new statement, so a
// prepared statement can be reused with different parameters.
type Statement struct {
	db     *D1
	sql    string
	params []any
}

// Prepare creates an unbound statement.
func (d *D1) Prepare(sql string) *Statement {
	return &Statement{db: d, sql: sql}
}

// Bind returns a copy of the statement bound to params.
func (s *Statement) Bind(params ...any) *Statement {
	return &Statement{db: s.db, sql: s.sql, params: append([]any(nil), params...)}
}

// Query runs the statement with one of the first, all or raw sub-methods
// and returns the column-ordered result.
func (s *Statement) Query(ctx context.Context, method string) (protocol.D1Result, error) {
	res, err := rpc.Call[protocol.D1Response](ctx, s.db.ch, protocol.MethodD1, protocol.D1Request{
		Method:       method,
		DatabaseUUID: s.db.uuid,
		SQL:          s.sql,
		Params:       s.params,
	})
	if err != nil {
		return protocol.D1Result{}, fmt.Errorf("d1 %s: %w", method, err)
	}
	if res.Result == nil {
		return protocol.D1Result{}, fmt.Errorf("d1 %s: empty result", method)
	}
	return *res.Result, nil
}

// First returns the first row as an object, or the value of column in the
// first row when column is set. A nil result means no rows.
func (s *Statement) First(ctx context.Context, column string) (any, error) {
	res, err := s.Query(ctx, protocol.D1First)
	if err != nil || len(res.Rows) == 0 {
		return nil, err
	}
	row := rowObject(res.Columns, res.Rows[0])
	if column == "" {
		return row, nil
	}
	value, ok := row[column]
	if !ok {
		return nil, fmt.Errorf("d1 first: no such column %q", column)
	}
	return value, nil
}

// AllResult is the answer of All.
type AllResult struct {
	Results []map[string]any
	Success bool
	Meta    protocol.D1Meta
}

// All returns every row as an object.
func (s *Statement) All(ctx context.Context) (AllResult, error) {
	res, err := s.Query(ctx, protocol.D1All)
	if err != nil {
		return AllResult{}, err
	}
	return allResult(res), nil
}

// Raw returns every row as an array of column values.
func (s *Statement) Raw(ctx context.Context) ([][]any, error) {
	res, err := s.Query(ctx, protocol.D1Raw)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// Run executes the statement for its meta.
func (s *Statement) Run(ctx context.Context) (AllResult, error) {
	return s.All(ctx)
}

// Batch runs statements in one transaction.
func (d *D1) Batch(ctx context.Context, stmts []*Statement) ([]AllResult, error) {
	results, err := d.BatchResults(ctx, stmts)
	if err != nil {
		return nil, err
	}
	out := make([]AllResult, len(results))
	for i, r := range results {
		out[i] = allResult(r)
	}
	return out, nil
}

// BatchResults is Batch with column-ordered results.
func (d *D1) BatchResults(ctx context.Context, stmts []*Statement) ([]protocol.D1Result, error) {
	req := protocol.D1Request{Method: protocol.D1Batch, DatabaseUUID: d.uuid}
	for _, s := range stmts {
		req.Statements = append(req.Statements, protocol.D1Statement{SQL: s.sql, Params: s.params})
	}
	res, err := rpc.Call[protocol.D1Response](ctx, d.ch, protocol.MethodD1, req)
	if err != nil {
		return nil, fmt.Errorf("d1 batch: %w", err)
	}
	return res.Batch, nil
}

// Exec runs semicolon separated statements without bindings.
func (d *D1) Exec(ctx context.Context, sql string) (protocol.D1ExecResult, error) {
	res, err := rpc.Call[protocol.D1Response](ctx, d.ch, protocol.MethodD1, protocol.D1Request{
		Method:       protocol.D1Exec,
		DatabaseUUID: d.uuid,
		SQL:          sql,
	})
	if err != nil {
		return protocol.D1ExecResult{}, fmt.Errorf("d1 exec: %w", err)
	}
	if res.Exec == nil {
		return protocol.D1ExecResult{}, fmt.Errorf("d1 exec: empty result")
	}
	return *res.Exec, nil
}

func rowObject(columns []string, row []any) map[string]any {
	obj := make(map[string]any, len(columns))
	for i, col := range columns {
		if i < len(row) {
			obj[col] = row[i]
		}
	}
	return obj
}

func allResult(r protocol.D1Result) AllResult {
	results := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		results[i] = rowObject(r.Columns, row)
	}
	return AllResult{Results: results, Success: r.Success, Meta: r.Meta}
}
