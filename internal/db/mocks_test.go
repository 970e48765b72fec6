package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows for Query ---

// mockRows implements pgx.Rows for testing Query results. Each entry in data
// is consumed by a scanFn invocation with the row's values.
type mockRows struct {
	scanFns []func(dest ...any) error
	idx     int
	closed  bool
	errVal  error
}

func newMockRows(scanFns ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFns: scanFns, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.scanFns)
}

func (r *mockRows) Scan(dest ...any) error {
	return r.scanFns[r.idx](dest...)
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- Mock transaction ---

// mockTx implements pgx.Tx over a mockDBTX, tracking commits and rollbacks.
type mockTx struct {
	*mockDBTX
	commits   int
	rollbacks int
	commitErr error
}

func (t *mockTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *mockTx) Commit(context.Context) error {
	t.commits++
	return t.commitErr
}

func (t *mockTx) Rollback(context.Context) error {
	t.rollbacks++
	return nil
}

func (t *mockTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *mockTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *mockTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *mockTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *mockTx) Conn() *pgx.Conn { return nil }

// mockTxBeginner satisfies both DBTX and TxBeginner; repository writes that
// open a transaction land on the wrapped mockTx.
type mockTxBeginner struct {
	*mockDBTX
	tx *mockTx
}

func (b *mockTxBeginner) Begin(context.Context) (pgx.Tx, error) { return b.tx, nil }
