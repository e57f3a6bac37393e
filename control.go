package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chatrelay/server"
)

type groupAdmin interface {
	CreateGroup(ctx context.Context, name string, members ...int64) (int64, error)
	AddMember(ctx context.Context, groupID, userID int64) error
}

// controller answers management commands on a unix socket, one
// pipe-separated command per connection:
//
//	stats
//	shutdown|reason
//	group|name|id,id,...
//	member|group_id|user_id
type controller struct {
	stats     func(ctx context.Context) (server.Stats, error)
	groups    groupAdmin
	requested chan<- string
}

func (c *controller) serve(ctx context.Context, path string) error {
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("control socket unavailable")
		return nil
	}
	defer os.Remove(path)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Info().Str("path", path).Msg("control socket listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("control accept failed")
			continue
		}
		go c.handle(ctx, conn)
	}
}

func (c *controller) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	reply := c.exec(ctx, strings.TrimSpace(line))
	_, _ = conn.Write([]byte(reply + "\n"))
}

func (c *controller) exec(ctx context.Context, line string) string {
	parts := strings.Split(line, "|")

	switch parts[0] {
	case "stats":
		st, err := c.stats(ctx)
		if err != nil {
			log.Error().Err(err).Msg("control stats")
			return "ERROR|" + err.Error()
		}
		return "OK|" + st.String()

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		select {
		case c.requested <- reason:
		default:
		}
		log.Info().Str("reason", reason).Msg("shutdown requested")
		return "OK|Shutting down"

	case "group":
		if len(parts) < 2 || parts[1] == "" {
			return "ERROR|Usage: group|name|id,id,..."
		}
		var members []int64
		if len(parts) >= 3 {
			ids, err := parseIDs(parts[2])
			if err != nil {
				return "ERROR|" + err.Error()
			}
			members = ids
		}
		gid, err := c.groups.CreateGroup(ctx, parts[1], members...)
		if err != nil {
			log.Error().Err(err).Str("name", parts[1]).Msg("control create group")
			return "ERROR|" + err.Error()
		}
		return "OK|" + strconv.FormatInt(gid, 10)

	case "member":
		if len(parts) != 3 {
			return "ERROR|Usage: member|group_id|user_id"
		}
		ids, err := parseIDs(parts[1] + "," + parts[2])
		if err != nil {
			return "ERROR|" + err.Error()
		}
		if err := c.groups.AddMember(ctx, ids[0], ids[1]); err != nil {
			return "ERROR|" + err.Error()
		}
		return "OK"

	default:
		return "ERROR|Unknown command"
	}
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", field)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
