package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/session"
)

type fakeSession struct {
	id  string
	err error

	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Deliver(ctx context.Context, frame []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSession) Evict(reason string) {}

func (f *fakeSession) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *db.DB, *session.Registry) {
	t.Helper()
	database, err := db.New("sqlite3", filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	registry := session.NewRegistry()
	return NewDispatcher(database, registry, testConfig(), zerolog.Nop()), database, registry
}

func users(t *testing.T, database *db.DB, ocids ...string) []int64 {
	t.Helper()
	ids := make([]int64, len(ocids))
	for i, ocid := range ocids {
		id, err := database.CreateUser(context.Background(), &models.User{Ocid: ocid, Name: ocid, Email: ocid + "@x", PasswordHash: "h"})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func textMessage(sender, group int64, payload string) *models.Message {
	return &models.Message{Type: models.MessageText, Payload: payload, SenderID: sender, GroupID: group, Timestamp: time.Unix(1661389837, 0)}
}

func TestFanout_Results(t *testing.T) {
	d, database, registry := newTestDispatcher(t)
	ctx := context.Background()
	ids := users(t, database, "s", "a", "b", "c")
	sender, a, b, c := ids[0], ids[1], ids[2], ids[3]
	gid, err := database.CreateGroup(ctx, "g", sender, a, b, c)
	require.NoError(t, err)

	live := &fakeSession{id: "a"}
	broken := &fakeSession{id: "b", err: ErrConnClosed}
	self := &fakeSession{id: "s"}
	registry.Bind(a, live)
	registry.Bind(b, broken)
	registry.Bind(sender, self)

	res, err := d.Fanout(ctx, protocol.CodeText, textMessage(sender, gid, `{"cid":1,"msg":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, FanoutResult{MessageID: 1, Delivered: 1, Pending: 2, Failed: 0}, res)

	assert.Equal(t, 1, live.received())
	assert.Equal(t, 0, self.received(), "sender must not receive its own message")

	for _, uid := range []int64{b, c} {
		pending, err := database.PendingMessages(ctx, uid, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
	}
	st, err := database.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Messages)
	assert.Equal(t, 2, st.Pending)
}

func TestFanout_DeliverToSender(t *testing.T) {
	d, database, registry := newTestDispatcher(t)
	d.deliverToSender = true
	ctx := context.Background()
	ids := users(t, database, "s", "a")
	gid, err := database.CreateGroup(ctx, "g", ids...)
	require.NoError(t, err)

	self := &fakeSession{id: "s"}
	registry.Bind(ids[0], self)

	res, err := d.Fanout(ctx, protocol.CodeText, textMessage(ids[0], gid, `{"msg":"echo"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, 1, self.received())
}

func TestFanout_NoGroupNoRows(t *testing.T) {
	d, database, _ := newTestDispatcher(t)
	ctx := context.Background()
	ids := users(t, database, "s")

	res, err := d.Fanout(ctx, protocol.CodeText, textMessage(ids[0], 404, `{"msg":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, FanoutResult{}, res)

	empty, err := database.CreateGroup(ctx, "empty")
	require.NoError(t, err)
	res, err = d.Fanout(ctx, protocol.CodeText, textMessage(ids[0], empty, `{"msg":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, FanoutResult{}, res)

	st, err := database.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Messages)
}

func TestFanout_ManyRecipients(t *testing.T) {
	d, database, registry := newTestDispatcher(t)
	d.workers = 3
	ctx := context.Background()

	ocids := []string{"sender"}
	for i := 0; i < 40; i++ {
		ocids = append(ocids, "u"+string(rune('A'+i)))
	}
	ids := users(t, database, ocids...)
	gid, err := database.CreateGroup(ctx, "big", ids...)
	require.NoError(t, err)

	sessions := map[int64]*fakeSession{}
	for i, uid := range ids[1:] {
		if i%2 == 0 {
			s := &fakeSession{id: ocids[i+1]}
			sessions[uid] = s
			registry.Bind(uid, s)
		}
	}

	res, err := d.Fanout(ctx, protocol.CodeFile, textMessage(ids[0], gid, `{"name":"a.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, 20, res.Delivered)
	assert.Equal(t, 20, res.Pending)
	for _, s := range sessions {
		assert.Equal(t, 1, s.received())
	}
}

func TestFanout_StoreFailures(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	mock.MatchExpectationsInOrder(false)

	d := NewDispatcher(db.Wrap(conn, db.SQLite), session.NewRegistry(), testConfig(), zerolog.Nop())

	mock.ExpectQuery("SELECT user_id FROM group_members").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(1)).AddRow(int64(2)).AddRow(int64(3)))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(10, 1))
	mock.ExpectExec("INSERT INTO pending_deliveries").
		WithArgs(int64(2), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO pending_deliveries").
		WithArgs(int64(3), int64(10)).
		WillReturnError(errors.New("database is locked"))

	res, err := d.Fanout(context.Background(), protocol.CodeText, textMessage(1, 7, `{"msg":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, FanoutResult{MessageID: 10, Pending: 1, Failed: 1}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFanout_SaveFails(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	registry := session.NewRegistry()
	live := &fakeSession{id: "live"}
	registry.Bind(2, live)
	d := NewDispatcher(db.Wrap(conn, db.SQLite), registry, testConfig(), zerolog.Nop())

	mock.ExpectQuery("SELECT user_id FROM group_members").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(errors.New("disk I/O error"))

	_, err = d.Fanout(context.Background(), protocol.CodeText, textMessage(1, 7, `{"msg":"x"}`))
	assert.Error(t, err)
	assert.Equal(t, 0, live.received(), "nothing is delivered before the message is stored")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainPending(t *testing.T) {
	d, database, _ := newTestDispatcher(t)
	ctx := context.Background()
	ids := users(t, database, "a", "b")
	gid, err := database.CreateGroup(ctx, "g", ids...)
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three"} {
		_, err := d.Fanout(ctx, protocol.CodeText, textMessage(ids[0], gid, `{"msg":"`+text+`"}`))
		require.NoError(t, err)
	}

	d.pendingBatch = 2
	s := &fakeSession{id: "b"}
	n, err := d.DrainPending(ctx, ids[1], s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.received())

	left, err := database.PendingMessages(ctx, ids[1], 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, int64(3), left[0].ID)
}

func TestDrainPending_StopsOnWriteFailure(t *testing.T) {
	d, database, _ := newTestDispatcher(t)
	ctx := context.Background()
	ids := users(t, database, "a", "b")
	gid, err := database.CreateGroup(ctx, "g", ids...)
	require.NoError(t, err)
	_, err = d.Fanout(ctx, protocol.CodeText, textMessage(ids[0], gid, `{"msg":"kept"}`))
	require.NoError(t, err)

	n, err := d.DrainPending(ctx, ids[1], &fakeSession{id: "b", err: ErrConnClosed})
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.Equal(t, 0, n)

	left, err := database.PendingMessages(ctx, ids[1], 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
