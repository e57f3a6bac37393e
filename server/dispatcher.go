package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatrelay/db"
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/session"
)

// Store is what the dispatcher and the stats command need from the database.
type Store interface {
	GroupMembers(ctx context.Context, groupID int64) ([]int64, error)
	SaveMessage(ctx context.Context, m *models.Message) (int64, error)
	AddPending(ctx context.Context, userID, messageID int64) (bool, error)
	PendingMessages(ctx context.Context, userID int64, limit int) ([]models.Message, error)
	DeletePending(ctx context.Context, userID, messageID int64) error
	Stats(ctx context.Context) (db.Stats, error)
}

// FanoutResult counts what happened to each recipient of one message.
type FanoutResult struct {
	MessageID int64
	Delivered int // written to a live session
	Pending   int // recorded for later delivery
	Failed    int // neither delivered nor recorded
}

// Dispatcher routes group messages to live sessions and records pending
// deliveries for everyone else.
type Dispatcher struct {
	store    Store
	registry *session.Registry
	log      zerolog.Logger

	workers         int
	deliverToSender bool
	writeTimeout    time.Duration
	storeTimeout    time.Duration
	pendingBatch    int
}

func NewDispatcher(store Store, registry *session.Registry, cfg Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:           store,
		registry:        registry,
		log:             log,
		workers:         max(cfg.FanoutWorkers, 1),
		deliverToSender: cfg.DeliverToSender,
		writeTimeout:    cfg.WriteTimeout,
		storeTimeout:    cfg.StoreTimeout,
		pendingBatch:    cfg.PendingBatch,
	}
}

func (d *Dispatcher) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.storeTimeout > 0 {
		return context.WithTimeout(ctx, d.storeTimeout)
	}
	return context.WithCancel(ctx)
}

// Fanout persists msg once and hands it to every other member of its group.
// A missing or empty group is a no-op and stores nothing. Every recipient
// ends up either delivered or pending before Fanout returns.
func (d *Dispatcher) Fanout(ctx context.Context, code protocol.Opcode, msg *models.Message) (FanoutResult, error) {
	sctx, cancel := d.storeCtx(ctx)
	members, err := d.store.GroupMembers(sctx, msg.GroupID)
	cancel()
	if errors.Is(err, db.ErrGroupNotFound) {
		d.log.Debug().Int64("group_id", msg.GroupID).Msg("message to unknown group dropped")
		return FanoutResult{}, nil
	}
	if err != nil {
		return FanoutResult{}, fmt.Errorf("resolving group %d: %w", msg.GroupID, err)
	}
	if len(members) == 0 {
		return FanoutResult{}, nil
	}

	sctx, cancel = d.storeCtx(ctx)
	msgID, err := d.store.SaveMessage(sctx, msg)
	cancel()
	if err != nil {
		return FanoutResult{}, err
	}
	metrics.MessagesTotal.WithLabelValues(code.String()).Inc()

	frame, err := protocol.DeliveryFrame(code, msg.Payload, msg.GroupID, msg.SenderID, msgID, msg.Timestamp.Unix())
	if err != nil {
		return FanoutResult{MessageID: msgID}, err
	}

	var (
		g                          errgroup.Group
		delivered, pending, failed atomic.Int64
	)
	g.SetLimit(d.workers)
	for _, uid := range members {
		if uid == msg.SenderID && !d.deliverToSender {
			continue
		}
		g.Go(func() error {
			switch d.deliverOne(ctx, uid, msgID, frame) {
			case metrics.Delivered:
				delivered.Add(1)
			case metrics.Pending:
				pending.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := FanoutResult{
		MessageID: msgID,
		Delivered: int(delivered.Load()),
		Pending:   int(pending.Load()),
		Failed:    int(failed.Load()),
	}
	d.log.Debug().
		Int64("msg_id", msgID).
		Int64("group_id", msg.GroupID).
		Int("delivered", res.Delivered).
		Int("pending", res.Pending).
		Int("failed", res.Failed).
		Msg("fan-out complete")
	return res, nil
}

// deliverOne tries the live session first and falls back to a pending row.
func (d *Dispatcher) deliverOne(ctx context.Context, userID, msgID int64, frame []byte) string {
	if c, ok := d.registry.Lookup(userID); ok {
		dctx, cancel := d.deliverCtx(ctx)
		err := c.Deliver(dctx, frame)
		cancel()
		if err == nil {
			metrics.DeliveriesTotal.WithLabelValues(metrics.Delivered).Inc()
			return metrics.Delivered
		}
		d.log.Debug().Err(err).Int64("user_id", userID).Int64("msg_id", msgID).Msg("live delivery failed")
	}

	sctx, cancel := d.storeCtx(ctx)
	_, err := d.store.AddPending(sctx, userID, msgID)
	cancel()
	if err != nil {
		d.log.Error().Err(err).Int64("user_id", userID).Int64("msg_id", msgID).Msg("recording pending delivery")
		metrics.DeliveriesTotal.WithLabelValues(metrics.Failed).Inc()
		return metrics.Failed
	}
	metrics.DeliveriesTotal.WithLabelValues(metrics.Pending).Inc()
	return metrics.Pending
}

func (d *Dispatcher) deliverCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.writeTimeout > 0 {
		return context.WithTimeout(ctx, d.writeTimeout)
	}
	return context.WithCancel(ctx)
}

// DrainPending pushes messages stored for userID while it was offline to c,
// oldest first, removing each one once written. It stops at the first failed
// write and returns how many were delivered.
func (d *Dispatcher) DrainPending(ctx context.Context, userID int64, c session.Conn) (int, error) {
	sctx, cancel := d.storeCtx(ctx)
	msgs, err := d.store.PendingMessages(sctx, userID, d.pendingBatch)
	cancel()
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, m := range msgs {
		frame, err := protocol.DeliveryFrame(protocol.Opcode(m.Type), m.Payload, m.GroupID, m.SenderID, m.ID, m.Timestamp.Unix())
		if err != nil {
			d.log.Error().Err(err).Int64("msg_id", m.ID).Msg("rebuilding pending message")
			continue
		}

		dctx, cancel := d.deliverCtx(ctx)
		err = c.Deliver(dctx, frame)
		cancel()
		if err != nil {
			return drained, fmt.Errorf("delivering pending message %d: %w", m.ID, err)
		}

		sctx, cancel := d.storeCtx(ctx)
		err = d.store.DeletePending(sctx, userID, m.ID)
		cancel()
		if err != nil {
			return drained, err
		}
		drained++
		metrics.DeliveriesTotal.WithLabelValues(metrics.Drained).Inc()
	}
	return drained, nil
}
