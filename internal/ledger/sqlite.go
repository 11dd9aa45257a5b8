package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wagate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cap int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log, cap: cfg.cap()}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, rec MessageRecord) (MessageRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var media any
	if rec.Media != nil {
		b, err := json.Marshal(rec.Media)
		if err != nil {
			return MessageRecord{}, err
		}
		media = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MessageRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages(id, direction, from_addr, to_addr, body, media, status, err, ts, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, string(rec.Direction), nullStr(rec.From), nullStr(rec.To), rec.Body,
		media, string(rec.Status), nullStr(rec.Error), rec.Timestamp.UnixMilli(), nullMilli(rec.UpdatedAt),
	)
	if err != nil {
		return MessageRecord{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return MessageRecord{}, err
	}

	// FIFO cap: survivors are the newest `cap` rows by insertion order.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE seq NOT IN (SELECT seq FROM messages ORDER BY seq DESC LIMIT ?)`,
		s.cap,
	); err != nil {
		return MessageRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return MessageRecord{}, err
	}
	rec.Seq = uint64(seq)
	return rec, nil
}

func (s *sqliteStore) List(ctx context.Context, f Filters, p Page) (ListResult, error) {
	p = p.normalize()
	where, args := buildWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&total); err != nil {
		s.log.Warn("ledger count failed, returning empty", logx.Err(err))
		return ListResult{Page: p.Page, Limit: p.Limit}, nil
	}

	q := `SELECT seq, id, direction, from_addr, to_addr, body, media, status, err, ts, updated_at FROM messages` +
		where + ` ORDER BY ts DESC, seq DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, append(args, p.Limit, (p.Page-1)*p.Limit)...)
	if err != nil {
		s.log.Warn("ledger query failed, returning empty", logx.Err(err))
		return ListResult{Page: p.Page, Limit: p.Limit}, nil
	}
	defer rows.Close()

	var recs []MessageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return ListResult{}, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, err
	}

	return ListResult{
		Records: recs,
		Page:    p.Page,
		Limit:   p.Limit,
		Total:   total,
		Pages:   (total + p.Limit - 1) / p.Limit,
	}, nil
}

func (s *sqliteStore) GetByID(ctx context.Context, id string) (MessageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, direction, from_addr, to_addr, body, media, status, err, ts, updated_at
		 FROM messages WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return MessageRecord{}, err
	}
	return rec, nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status Status) (MessageRecord, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now.UnixMilli(), id)
	if err != nil {
		return MessageRecord{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return MessageRecord{}, err
	}
	if n == 0 {
		return MessageRecord{}, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *sqliteStore) Stats(ctx context.Context, timeframe string) (Stats, error) {
	since := windowStart(timeframe, time.Now()).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages WHERE ts >= ? GROUP BY status`, since)
	if err != nil {
		s.log.Warn("ledger stats failed, returning empty", logx.Err(err))
		return Stats{}, nil
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.Total += n
		switch Status(status) {
		case StatusSent:
			st.Sent += n
		case StatusReceived:
			st.Received += n
		case StatusFailed:
			st.Failed += n
		case StatusPending:
			st.Pending += n
		}
	}
	return st, rows.Err()
}

func buildWhere(f Filters) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.To != "" {
		conds = append(conds, "to_addr IS NOT NULL AND instr(to_addr, ?) > 0")
		args = append(args, digits(f.To))
	}
	if f.From != "" {
		conds = append(conds, "from_addr IS NOT NULL AND instr(from_addr, ?) > 0")
		args = append(args, digits(f.From))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (MessageRecord, error) {
	var (
		rec       MessageRecord
		direction string
		status    string
		from, to  sql.NullString
		media     sql.NullString
		errDetail sql.NullString
		ts        int64
		updatedAt sql.NullInt64
	)
	if err := r.Scan(&rec.Seq, &rec.ID, &direction, &from, &to, &rec.Body, &media, &status, &errDetail, &ts, &updatedAt); err != nil {
		return MessageRecord{}, err
	}
	rec.Direction = Direction(direction)
	rec.Status = Status(status)
	rec.From = from.String
	rec.To = to.String
	rec.Error = errDetail.String
	rec.Timestamp = time.UnixMilli(ts)
	if updatedAt.Valid {
		rec.UpdatedAt = time.UnixMilli(updatedAt.Int64)
	}
	if media.Valid && media.String != "" {
		var m Media
		if err := json.Unmarshal([]byte(media.String), &m); err == nil {
			rec.Media = &m
		}
	}
	return rec, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
