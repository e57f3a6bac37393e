package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/server"
)

func newTestController(t *testing.T) (*controller, *db.DB, chan string) {
	t.Helper()
	database, err := db.New("sqlite3", filepath.Join(t.TempDir(), "control.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	requested := make(chan string, 1)
	ctl := &controller{
		stats: func(ctx context.Context) (server.Stats, error) {
			st, err := database.Stats(ctx)
			return server.Stats{Connections: 2, Sessions: 1, Users: []int64{7}, Store: st}, err
		},
		groups:    database,
		requested: requested,
	}
	return ctl, database, requested
}

func TestControl_Stats(t *testing.T) {
	ctl, _, _ := newTestController(t)

	reply := ctl.exec(context.Background(), "stats")
	assert.Equal(t, "OK|connections=2,sessions=1,users=7,accounts=0,groups=0,messages=0,pending=0", reply)
}

func TestControl_Group(t *testing.T) {
	ctl, database, _ := newTestController(t)
	ctx := context.Background()

	var ids []int64
	for _, ocid := range []string{"a", "b", "c"} {
		id, err := database.CreateUser(ctx, &models.User{Ocid: ocid, Name: ocid, Email: ocid + "@x", PasswordHash: "h"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, "OK|1", ctl.exec(ctx, "group|friends|1, 2"))
	assert.Equal(t, "OK", ctl.exec(ctx, "member|1|3"))

	members, err := database.GroupMembers(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ids, members)

	assert.Equal(t, "OK|2", ctl.exec(ctx, "group|empty"))
	assert.True(t, strings.HasPrefix(ctl.exec(ctx, "group|bad|1,x"), "ERROR|"))
	assert.True(t, strings.HasPrefix(ctl.exec(ctx, "group"), "ERROR|"))
	assert.True(t, strings.HasPrefix(ctl.exec(ctx, "member|1"), "ERROR|"))
}

func TestControl_Shutdown(t *testing.T) {
	ctl, _, requested := newTestController(t)

	assert.Equal(t, "OK|Shutting down", ctl.exec(context.Background(), "shutdown|upgrade"))
	assert.Equal(t, "upgrade", <-requested)

	assert.Equal(t, "OK|Shutting down", ctl.exec(context.Background(), "shutdown"))
	assert.Equal(t, "maintenance", <-requested)
}

func TestControl_Unknown(t *testing.T) {
	ctl, _, _ := newTestController(t)
	assert.Equal(t, "ERROR|Unknown command", ctl.exec(context.Background(), "reboot"))
}

func TestControl_StatsError(t *testing.T) {
	ctl := &controller{stats: func(ctx context.Context) (server.Stats, error) {
		return server.Stats{}, errors.New("database is closed")
	}}
	assert.Equal(t, "ERROR|database is closed", ctl.exec(context.Background(), "stats"))
}

func TestControl_Handle(t *testing.T) {
	ctl, _, _ := newTestController(t)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	go ctl.handle(context.Background(), serverConn)

	_, err := clientConn.Write([]byte("stats\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(clientConn).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "OK|connections=2"))
}
