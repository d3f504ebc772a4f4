// driver.go installs the statement hook at the database/sql driver layer.
// Wrapping the connector (rather than patching call sites) means every
// statement the application executes is a candidate for context attachment
// with no explicit parameter threading: the hook reads the scope from the
// statement's context.Context and prepends the two transaction-local session
// settings that trigger bodies read.
package tracking

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"

	"github.com/lib/pq"
)

// Names of the transaction-scoped settings that make up the session protocol.
// Trigger bodies and pgtrail_attach_context() read these via CURRENT_SETTING
// with missing_ok, so the absence of either simply means "no context".
const (
	SettingContextID       = "pgtrail.context_id"
	SettingContextMetadata = "pgtrail.context_metadata"
)

// attachSettingsQuery sets both settings transaction-locally through the
// extended protocol. Used for parameterized statements inside an explicit
// transaction, where the multi-statement prefix form is not available.
const attachSettingsQuery = "SELECT set_config('" + SettingContextID + "', $1, true), set_config('" + SettingContextMetadata + "', $2, true)"

// Open opens a PostgreSQL connection pool whose statements attach tracking
// context. It is the drop-in replacement for sql.Open("postgres", dsn).
func Open(dsn string) (*sql.DB, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(WrapConnector(connector)), nil
}

// WrapConnector wraps an existing connector so that every connection it hands
// out participates in context attachment.
func WrapConnector(parent driver.Connector) driver.Connector {
	return &connector{parent: parent}
}

type connector struct {
	parent driver.Connector
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	inner, err := c.parent.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return newConn(inner), nil
}

func (c *connector) Driver() driver.Driver {
	return &wrappedDriver{parent: c.parent.Driver()}
}

type wrappedDriver struct {
	parent driver.Driver
}

func (d *wrappedDriver) Open(name string) (driver.Conn, error) {
	inner, err := d.parent.Open(name)
	if err != nil {
		return nil, err
	}
	return newConn(inner), nil
}

// conn decorates a driver connection with the statement hook. It tracks
// whether an explicit transaction is open and whether that transaction has
// already failed, because a failed transaction rejects all further statements
// and attempting to set variables there would itself error.
type conn struct {
	inner driver.Conn

	inTx    bool
	aborted bool
}

func newConn(inner driver.Conn) *conn {
	return &conn{inner: inner}
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	// Explicitly prepared statements bypass attachment; the per-statement
	// hook only covers the Exec/Query paths.
	return c.inner.Prepare(query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if p, ok := c.inner.(driver.ConnPrepareContext); ok {
		return p.PrepareContext(ctx, query)
	}
	return c.inner.Prepare(query)
}

func (c *conn) Close() error {
	return c.inner.Close()
}

func (c *conn) Begin() (driver.Tx, error) {
	tx, err := c.inner.Begin() //nolint:staticcheck // driver.Conn interface method
	if err != nil {
		return nil, err
	}
	c.inTx, c.aborted = true, false
	return &wrappedTx{inner: tx, conn: c}, nil
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	b, ok := c.inner.(driver.ConnBeginTx)
	if !ok {
		return c.Begin()
	}
	tx, err := b.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.inTx, c.aborted = true, false
	return &wrappedTx{inner: tx, conn: c}, nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := c.inner.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	query = c.attach(ctx, execer, query, len(args))
	res, err := execer.ExecContext(ctx, query, args)
	c.observe(err)
	return res, err
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := c.inner.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	if execer, ok := c.inner.(driver.ExecerContext); ok {
		query = c.attach(ctx, execer, query, len(args))
	}
	rows, err := queryer.QueryContext(ctx, query, args)
	c.observe(err)
	return rows, err
}

func (c *conn) Ping(ctx context.Context) error {
	if p, ok := c.inner.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *conn) ResetSession(ctx context.Context) error {
	c.inTx, c.aborted = false, false
	if r, ok := c.inner.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *conn) IsValid() bool {
	if v, ok := c.inner.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	if ch, ok := c.inner.(driver.NamedValueChecker); ok {
		return ch.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

// attach rewrites (or accompanies) the outgoing statement with the session
// settings of the active scope. Statements are passed through unchanged when
// no scope is active, the statement cannot carry the settings (server-side
// cursor traffic, concurrent DDL), the current transaction is already
// aborted, or the statement is parameterized outside an explicit transaction
// (the wire protocol does not allow a multi-statement string with bind
// parameters, and a SET LOCAL issued separately would not survive into the
// statement's own implicit transaction). All of these silently skip
// attachment; they never fail the statement.
func (c *conn) attach(ctx context.Context, execer driver.ExecerContext, query string, nargs int) string {
	scope, ok := FromContext(ctx)
	if !ok {
		return query
	}
	if c.aborted || skipStatement(query) {
		return query
	}
	id, metadata, err := scope.settings()
	if err != nil {
		return query
	}

	if nargs == 0 {
		// No bind parameters: a multi-statement string runs through the
		// simple protocol in one implicit transaction, so the SET LOCALs
		// cover the trailing statement exactly as they would in an
		// explicit transaction.
		return "SET LOCAL " + SettingContextID + " = '" + quoteLiteral(id) + "'; " +
			"SET LOCAL " + SettingContextMetadata + " = '" + quoteLiteral(metadata) + "'; " +
			query
	}

	if c.inTx {
		_, err := execer.ExecContext(ctx, attachSettingsQuery, []driver.NamedValue{
			{Ordinal: 1, Value: id},
			{Ordinal: 2, Value: metadata},
		})
		c.observe(err)
	}
	return query
}

// observe marks the open transaction as aborted after a failed statement;
// PostgreSQL rejects everything until rollback, including SET LOCAL.
func (c *conn) observe(err error) {
	if err != nil && c.inTx {
		c.aborted = true
	}
}

type wrappedTx struct {
	inner driver.Tx
	conn  *conn
}

func (t *wrappedTx) Commit() error {
	err := t.inner.Commit()
	t.conn.inTx, t.conn.aborted = false, false
	return err
}

func (t *wrappedTx) Rollback() error {
	err := t.inner.Rollback()
	t.conn.inTx, t.conn.aborted = false, false
	return err
}

// skipStatement reports whether attachment must be skipped for this
// statement: concurrent index builds cannot share an implicit transaction
// with SET LOCAL, and server-side cursor traffic (DECLARE/FETCH/MOVE/CLOSE)
// breaks when statements are prepended to it.
func skipStatement(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(q, "create") && strings.Contains(q, "concurrently"):
		return true
	case strings.HasPrefix(q, "drop") && strings.Contains(q, "concurrently"):
		return true
	case strings.HasPrefix(q, "declare") && strings.Contains(q, "cursor"):
		return true
	case strings.HasPrefix(q, "fetch"), strings.HasPrefix(q, "move"), strings.HasPrefix(q, "close"):
		return true
	}
	return false
}

// quoteLiteral escapes a value for embedding in a single-quoted SQL literal.
func quoteLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
