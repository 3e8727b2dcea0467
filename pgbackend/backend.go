// Package pgbackend implements socialflow.Backend on PostgreSQL. Change
// streams come from a single LISTEN connection fed by row triggers.
package pgbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	socialflow "github.com/socialflow/socialflow-go"
)

// Channel is the NOTIFY channel written by the row triggers.
const Channel = "socialflow_changes"

var tables = map[string]bool{
	socialflow.ResourceUsers:    true,
	socialflow.ResourceMessages: true,
	socialflow.ResourcePosts:    true,
	socialflow.ResourceLikes:    true,
	socialflow.ResourceComments: true,
}

type subscription struct {
	resource string
	filter   socialflow.Filter
	onEvent  func(socialflow.ChangeEvent)
}

// Backend is a socialflow.Backend over a pgx pool.
type Backend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu       sync.RWMutex
	identity *socialflow.Identity

	subMu     sync.Mutex
	subs      map[uint64]*subscription
	nextSub   uint64
	listening bool
	stop      context.CancelFunc
	done      chan struct{}
}

// Option configures a Backend.
type Option func(*Backend)

func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithIdentity sets the account writes are checked against.
func WithIdentity(id *socialflow.Identity) Option {
	return func(b *Backend) { b.identity = id }
}

var _ socialflow.Backend = (*Backend)(nil)

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Backend {
	b := &Backend{
		pool:   pool,
		logger: zap.NewNop(),
		subs:   make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect creates a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(pool, opts...), nil
}

// normalizeDSN strips driver suffixes found in .env files written for other
// stacks.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+asyncpg://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+asyncpg://", "postgres://", 1)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

// Close stops the listener and closes the pool.
func (b *Backend) Close() {
	b.subMu.Lock()
	stop, done := b.stop, b.done
	b.listening = false
	b.stop, b.done = nil, nil
	b.subMu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	b.pool.Close()
}

// SetIdentity switches the account writes are checked against.
func (b *Backend) SetIdentity(id *socialflow.Identity) {
	b.mu.Lock()
	b.identity = id
	b.mu.Unlock()
}

func (b *Backend) CurrentIdentity() *socialflow.Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.identity == nil {
		return nil
	}
	id := *b.identity
	return &id
}

// LoginAs resolves a users row by id or username and makes it the identity.
func (b *Backend) LoginAs(ctx context.Context, idOrUsername string) (*socialflow.Identity, error) {
	rows, err := b.Query(ctx, socialflow.ResourceUsers, socialflow.Where(socialflow.Eq("id", idOrUsername)), socialflow.Order{}, 1)
	if err == nil && len(rows) == 0 {
		rows, err = b.Query(ctx, socialflow.ResourceUsers, socialflow.Where(socialflow.Eq("username", idOrUsername)), socialflow.Order{}, 1)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, socialflow.NewError("login", socialflow.ErrNotFound, fmt.Errorf("user %q", idOrUsername))
	}
	id := &socialflow.Identity{ID: rows[0].ID(), Username: rows[0].String("username"), Email: rows[0].String("email")}
	b.SetIdentity(id)
	return id, nil
}

// ============================================================================
// Queries
// ============================================================================

func table(op, resource string) (string, error) {
	if !tables[resource] {
		return "", socialflow.NewError(op, socialflow.ErrValidation, fmt.Errorf("unknown resource %q", resource))
	}
	return pgx.Identifier{resource}.Sanitize(), nil
}

func column(name string) string { return "t." + pgx.Identifier{name}.Sanitize() }

var sqlOps = map[socialflow.Op]string{
	socialflow.OpEq:  "=",
	socialflow.OpNeq: "IS DISTINCT FROM",
	socialflow.OpGt:  ">",
	socialflow.OpGte: ">=",
	socialflow.OpLt:  "<",
	socialflow.OpLte: "<=",
}

// where renders filter as a WHERE clause with numbered parameters starting
// after len(args).
func where(op string, filter socialflow.Filter, args []any) (string, []any, error) {
	if len(filter) == 0 {
		return "", args, nil
	}
	parts := make([]string, 0, len(filter))
	for _, c := range filter {
		sqlOp, ok := sqlOps[c.Op]
		if !ok {
			return "", nil, socialflow.NewError(op, socialflow.ErrValidation, fmt.Errorf("unsupported operator %q", c.Op))
		}
		args = append(args, c.Value)
		parts = append(parts, fmt.Sprintf("%s %s $%d", column(c.Field), sqlOp, len(args)))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func (b *Backend) Query(ctx context.Context, resource string, filter socialflow.Filter, order socialflow.Order, limit int) ([]socialflow.Record, error) {
	op := "query " + resource
	tbl, err := table(op, resource)
	if err != nil {
		return nil, err
	}
	clause, args, err := where(op, filter, nil)
	if err != nil {
		return nil, err
	}
	q := "SELECT to_jsonb(t) FROM " + tbl + " AS t" + clause
	if order.Field != "" {
		q += " ORDER BY " + column(order.Field)
		if order.Desc {
			q += " DESC"
		}
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := b.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []socialflow.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classify(op, err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (b *Backend) Count(ctx context.Context, resource string, filter socialflow.Filter) (int, error) {
	op := "count " + resource
	tbl, err := table(op, resource)
	if err != nil {
		return 0, err
	}
	clause, args, err := where(op, filter, nil)
	if err != nil {
		return 0, err
	}
	var n int
	if err := b.pool.QueryRow(ctx, "SELECT count(*) FROM "+tbl+" AS t"+clause, args...).Scan(&n); err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

func (b *Backend) Insert(ctx context.Context, resource string, rec socialflow.Record) (socialflow.Record, error) {
	op := "insert " + resource
	tbl, err := table(op, resource)
	if err != nil {
		return nil, err
	}
	if err := b.checkOwner(op, resource, rec); err != nil {
		return nil, err
	}
	keys := sortedKeys(rec)
	if len(keys) == 0 {
		return nil, socialflow.NewError(op, socialflow.ErrValidation, errors.New("empty record"))
	}
	cols := make([]string, len(keys))
	params := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = pgx.Identifier{k}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec[k]
	}
	q := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING to_jsonb(t)",
		tbl, strings.Join(cols, ", "), strings.Join(params, ", "))
	return b.returning(ctx, op, q, args)
}

func (b *Backend) Update(ctx context.Context, resource, id string, patch socialflow.Record) (socialflow.Record, error) {
	op := "update " + resource
	tbl, err := table(op, resource)
	if err != nil {
		return nil, err
	}
	keys := sortedKeys(patch)
	args := []any{id}
	sets := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "id" {
			continue
		}
		args = append(args, patch[k])
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{k}.Sanitize(), len(args)))
	}
	if len(sets) == 0 {
		return nil, socialflow.NewError(op, socialflow.ErrValidation, errors.New("empty patch"))
	}
	q := fmt.Sprintf("UPDATE %s AS t SET %s WHERE t.id = $1", tbl, strings.Join(sets, ", "))
	q, args, err = b.ownerClause(op, resource, q, args)
	if err != nil {
		return nil, err
	}
	rec, err := b.returning(ctx, op, q+" RETURNING to_jsonb(t)", args)
	if errors.Is(err, socialflow.ErrNotFound) {
		return nil, b.missingOrForbidden(ctx, op, tbl, id)
	}
	return rec, err
}

func (b *Backend) Delete(ctx context.Context, resource, id string) error {
	op := "delete " + resource
	tbl, err := table(op, resource)
	if err != nil {
		return err
	}
	q, args, err := b.ownerClause(op, resource, "DELETE FROM "+tbl+" AS t WHERE t.id = $1", []any{id})
	if err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx, q, args...)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return b.missingOrForbidden(ctx, op, tbl, id)
	}
	return nil
}

func (b *Backend) returning(ctx context.Context, op, q string, args []any) (socialflow.Record, error) {
	var raw []byte
	if err := b.pool.QueryRow(ctx, q, args...).Scan(&raw); err != nil {
		return nil, classify(op, err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, classify(op, err)
	}
	return rec, nil
}

// ownerClause restricts a statement to rows owned by the identity.
func (b *Backend) ownerClause(op, resource, q string, args []any) (string, []any, error) {
	field, ok := socialflow.OwnerField(resource)
	if !ok {
		return q, args, nil
	}
	ident := b.CurrentIdentity()
	if ident == nil {
		return "", nil, socialflow.NewError(op, socialflow.ErrPermission, socialflow.ErrUnauthenticated)
	}
	args = append(args, ident.ID)
	return fmt.Sprintf("%s AND %s = $%d", q, column(field), len(args)), args, nil
}

func (b *Backend) checkOwner(op, resource string, rec socialflow.Record) error {
	field, ok := socialflow.OwnerField(resource)
	if !ok {
		return nil
	}
	ident := b.CurrentIdentity()
	if ident == nil {
		return socialflow.NewError(op, socialflow.ErrPermission, socialflow.ErrUnauthenticated)
	}
	if owner := rec.String(field); owner != "" && owner != ident.ID {
		return socialflow.NewError(op, socialflow.ErrPermission, fmt.Errorf("%s %q is not %q", field, owner, ident.ID))
	}
	return nil
}

// missingOrForbidden tells a missing row from one owned by someone else.
func (b *Backend) missingOrForbidden(ctx context.Context, op, tbl, id string) error {
	var exists bool
	if err := b.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+tbl+" WHERE id = $1)", id).Scan(&exists); err != nil {
		return classify(op, err)
	}
	if exists {
		return socialflow.NewError(op, socialflow.ErrPermission, fmt.Errorf("id %q is not yours", id))
	}
	return socialflow.NewError(op, socialflow.ErrNotFound, fmt.Errorf("id %q", id))
}

func sortedKeys(r socialflow.Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeRecord(raw []byte) (socialflow.Record, error) {
	var rec socialflow.Record
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return rec, nil
}

// classify maps driver errors onto the socialflow error kinds.
func classify(op string, err error) error {
	var sfErr *socialflow.Error
	if errors.As(err, &sfErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return socialflow.NewError(op, socialflow.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501":
			return socialflow.NewError(op, socialflow.ErrPermission, err)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return socialflow.NewError(op, socialflow.ErrValidation, err)
		case pgErr.Code == "42703", pgErr.Code == "42P01":
			// Undefined column or table: a malformed request, not an outage.
			return socialflow.NewError(op, socialflow.ErrValidation, err)
		}
	}
	return socialflow.NewError(op, socialflow.ErrTransport, err)
}

// ============================================================================
// Change stream
// ============================================================================

type notification struct {
	Table  string            `json:"table"`
	Op     string            `json:"op"`
	Record socialflow.Record `json:"record"`
}

// Subscribe registers onEvent and starts the shared listener on first use.
// Events are delivered on the listener goroutine in NOTIFY order.
func (b *Backend) Subscribe(ctx context.Context, resource string, filter socialflow.Filter, onEvent func(socialflow.ChangeEvent)) (socialflow.Disposer, error) {
	op := "subscribe " + resource
	if _, err := table(op, resource); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(op, err)
	}
	b.subMu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = &subscription{resource: resource, filter: filter, onEvent: onEvent}
	if !b.listening {
		b.listening = true
		lctx, cancel := context.WithCancel(context.Background())
		b.stop = cancel
		b.done = make(chan struct{})
		go b.listen(lctx, b.done)
	}
	b.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subs, id)
			b.subMu.Unlock()
		})
	}, nil
}

func (b *Backend) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	operation := func() error {
		conn, err := pgx.ConnectConfig(ctx, b.pool.Config().ConnConfig)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer conn.Close(context.Background())

		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		bo.Reset()
		b.logger.Info("listening for changes", zap.String("channel", Channel))

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			b.dispatch(n.Payload)
		}
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn("change listener lost, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("change listener stopped", zap.Error(err))
	}
}

func (b *Backend) dispatch(payload string) {
	var n notification
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		b.logger.Warn("bad change payload", zap.Error(err))
		return
	}
	ev := socialflow.ChangeEvent{Type: socialflow.EventType(n.Op), Record: n.Record}

	b.subMu.Lock()
	var targets []*subscription
	for _, s := range b.subs {
		if s.resource == n.Table && s.filter.Match(n.Record) {
			targets = append(targets, s)
		}
	}
	b.subMu.Unlock()

	for _, s := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("change callback panicked", zap.String("table", n.Table), zap.Any("panic", r))
				}
			}()
			s.onEvent(socialflow.ChangeEvent{Type: ev.Type, Record: ev.Record.Clone()})
		}()
	}
}
