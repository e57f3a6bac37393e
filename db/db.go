package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"chatrelay/models"
)

var (
	ErrNotFound      = errors.New("no rows found")
	ErrGroupNotFound = errors.New("group not found")
	ErrOcidTaken     = errors.New("ocid already taken")
	ErrEmailTaken    = errors.New("email already registered")
)

type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// DB is the durable message store: users, groups, messages and pending
// deliveries. All input reaches the driver as bound parameters.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	sb      sq.StatementBuilderType
}

// New opens the database, applies migrations and returns the store.
func New(driver, dsn string) (*DB, error) {
	dialect := Dialect(driver)
	if dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, err
	}

	if dialect == SQLite {
		// one writer at a time; callers never hold a rows cursor across statements
		conn.SetMaxOpenConns(1)
	}

	return Wrap(conn, dialect), nil
}

// Wrap builds a store over an already open connection without migrating.
func Wrap(conn *sql.DB, dialect Dialect) *DB {
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if dialect == Postgres {
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return &DB{conn: conn, dialect: dialect, sb: sb}
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// insert runs b and returns the generated id.
func (db *DB) insert(ctx context.Context, b sq.InsertBuilder) (int64, error) {
	if db.dialect == Postgres {
		query, args, err := b.Suffix("RETURNING id").ToSql()
		if err != nil {
			return 0, err
		}
		var id int64
		if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return db.conn.ExecContext(ctx, query, args...)
}

func (db *DB) queryRow(ctx context.Context, b sq.SelectBuilder) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return db.conn.QueryRowContext(ctx, query, args...), nil
}

// uniqueViolation reports which unique column err complains about, if any.
func uniqueViolation(err error) (column string, ok bool) {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
		msg := serr.Error()
		if i := strings.LastIndex(msg, "."); i >= 0 {
			return strings.TrimSpace(msg[i+1:]), true
		}
		return "", true
	}

	var perr *pq.Error
	if errors.As(err, &perr) && perr.Code == "23505" {
		// default constraint names are <table>_<column>_key
		name := strings.TrimSuffix(strings.TrimPrefix(perr.Constraint, "users_"), "_key")
		return name, true
	}
	return "", false
}

// User methods

func (db *DB) EmailExists(ctx context.Context, email string) (bool, error) {
	row, err := db.queryRow(ctx, db.sb.Select("COUNT(*)").From("users").Where(sq.Eq{"email": email}))
	if err != nil {
		return false, err
	}
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("counting email: %w", err)
	}
	return count > 0, nil
}

// CreateUser inserts u and returns its id. A collision on ocid or email is
// reported as ErrOcidTaken or ErrEmailTaken.
func (db *DB) CreateUser(ctx context.Context, u *models.User) (int64, error) {
	id, err := db.insert(ctx, db.sb.Insert("users").
		Columns("ocid", "name", "email", "password", "created_at").
		Values(u.Ocid, u.Name, u.Email, u.PasswordHash, u.CreatedAt))
	if err != nil {
		if column, ok := uniqueViolation(err); ok {
			switch column {
			case "ocid":
				return 0, ErrOcidTaken
			case "email":
				return 0, ErrEmailTaken
			}
		}
		return 0, fmt.Errorf("inserting user: %w", err)
	}
	u.ID = id
	return id, nil
}

func (db *DB) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	return db.findUser(ctx, sq.Eq{"email": email})
}

func (db *DB) UserByOcid(ctx context.Context, ocid string) (*models.User, error) {
	return db.findUser(ctx, sq.Eq{"ocid": ocid})
}

func (db *DB) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return db.findUser(ctx, sq.Eq{"id": id})
}

func (db *DB) findUser(ctx context.Context, where sq.Eq) (*models.User, error) {
	row, err := db.queryRow(ctx, db.sb.
		Select("id", "ocid", "name", "email", "password", "created_at").
		From("users").Where(where))
	if err != nil {
		return nil, err
	}

	var u models.User
	err = row.Scan(&u.ID, &u.Ocid, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// Group methods

func (db *DB) CreateGroup(ctx context.Context, name string, members ...int64) (int64, error) {
	id, err := db.insert(ctx, db.sb.Insert("chat_groups").Columns("name").Values(name))
	if err != nil {
		return 0, fmt.Errorf("inserting group: %w", err)
	}
	for _, uid := range members {
		if err := db.AddMember(ctx, id, uid); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (db *DB) AddMember(ctx context.Context, groupID, userID int64) error {
	_, err := db.exec(ctx, db.sb.Insert("group_members").
		Columns("group_id", "user_id").
		Values(groupID, userID).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return fmt.Errorf("adding member %d to group %d: %w", userID, groupID, err)
	}
	return nil
}

// GroupMembers resolves a group to its member ids. A missing group is
// ErrGroupNotFound; an existing group without members yields an empty slice.
func (db *DB) GroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	query, args, err := db.sb.Select("user_id").From("group_members").
		Where(sq.Eq{"group_id": groupID}).OrderBy("user_id").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing group members: %w", err)
	}
	var members []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning group member: %w", err)
		}
		members = append(members, uid)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating group members: %w", err)
	}
	if len(members) > 0 {
		return members, nil
	}

	row, err := db.queryRow(ctx, db.sb.Select("COUNT(*)").From("chat_groups").Where(sq.Eq{"id": groupID}))
	if err != nil {
		return nil, err
	}
	var count int
	if err := row.Scan(&count); err != nil {
		return nil, fmt.Errorf("checking group: %w", err)
	}
	if count == 0 {
		return nil, ErrGroupNotFound
	}
	return []int64{}, nil
}

// Message methods

// SaveMessage persists m and sets its assigned id.
func (db *DB) SaveMessage(ctx context.Context, m *models.Message) (int64, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	id, err := db.insert(ctx, db.sb.Insert("messages").
		Columns("type", "payload", "sender_id", "group_id", "created_at").
		Values(int(m.Type), m.Payload, m.SenderID, m.GroupID, m.Timestamp.Unix()))
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	m.ID = id
	return id, nil
}

// AddPending records that userID still owes delivery of messageID. It
// reports false when the row already existed.
func (db *DB) AddPending(ctx context.Context, userID, messageID int64) (bool, error) {
	res, err := db.exec(ctx, db.sb.Insert("pending_deliveries").
		Columns("user_id", "message_id").
		Values(userID, messageID).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return false, fmt.Errorf("inserting pending delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting pending delivery: %w", err)
	}
	return n > 0, nil
}

// PendingMessages returns up to limit messages still owed to userID, oldest first.
func (db *DB) PendingMessages(ctx context.Context, userID int64, limit int) ([]models.Message, error) {
	b := db.sb.Select("m.id", "m.type", "m.payload", "m.sender_id", "m.group_id", "m.created_at").
		From("pending_deliveries p").
		Join("messages m ON m.id = p.message_id").
		Where(sq.Eq{"p.user_id": userID}).
		OrderBy("m.id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m       models.Message
			msgType int
			ts      int64
		)
		if err := rows.Scan(&m.ID, &msgType, &m.Payload, &m.SenderID, &m.GroupID, &ts); err != nil {
			return nil, fmt.Errorf("scanning pending message: %w", err)
		}
		m.Type = models.MessageType(msgType)
		m.Timestamp = time.Unix(ts, 0).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending messages: %w", err)
	}
	return messages, nil
}

func (db *DB) DeletePending(ctx context.Context, userID, messageID int64) error {
	_, err := db.exec(ctx, db.sb.Delete("pending_deliveries").
		Where(sq.Eq{"user_id": userID, "message_id": messageID}))
	if err != nil {
		return fmt.Errorf("deleting pending delivery: %w", err)
	}
	return nil
}

type Stats struct {
	Users    int
	Groups   int
	Messages int
	Pending  int
}

func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"users", &st.Users},
		{"chat_groups", &st.Groups},
		{"messages", &st.Messages},
		{"pending_deliveries", &st.Pending},
	}
	for _, c := range counts {
		row, err := db.queryRow(ctx, db.sb.Select("COUNT(*)").From(c.table))
		if err != nil {
			return st, err
		}
		if err := row.Scan(c.dst); err != nil {
			return st, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}
	return st, nil
}
