package server

import (
	"context"
	"time"

	"chatrelay/auth"
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/protocol"
)

func (s *Server) handleEnvelope(ctx context.Context, c *Conn, env *protocol.Envelope) {
	switch {
	case env.Code == protocol.CodeLogin:
		s.handleLogin(ctx, c, env)
	case env.Code == protocol.CodeRegister:
		s.handleRegister(ctx, c, env)
	case env.Code.IsContent():
		s.handleContent(ctx, c, env)
	default:
		c.protocolError(protocol.ReasonUnknownOpcode, codeOf(env))
	}
}

func codeOf(env *protocol.Envelope) *int {
	code := int(env.Code)
	return &code
}

// rejectFrame answers a payload that failed to decode or validate.
func (s *Server) rejectFrame(c *Conn, env *protocol.Envelope, err error) {
	if perr, ok := protocol.AsProtocolError(err); ok {
		c.log.Debug().Err(perr).Msg("rejected payload")
		c.protocolError(protocol.ReasonFor(perr), codeOf(env))
		return
	}
	c.log.Error().Err(err).Stringer("code", env.Code).Msg("handling frame")
	c.sendError(protocol.ReasonInternal, codeOf(env))
}

// opCtx detaches store work from the connection so that a disconnect does
// not abort a write that is already under way.
func (s *Server) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.cfg.StoreTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Server) handleLogin(ctx context.Context, c *Conn, env *protocol.Envelope) {
	if c.currentState() != stateUnauthenticated {
		c.protocolError(protocol.ReasonAlreadyAuthenticated, codeOf(env))
		return
	}

	var data protocol.LoginData
	if err := env.Unmarshal(&data); err != nil {
		s.rejectFrame(c, env, err)
		return
	}
	account, err := data.Account()
	if err != nil {
		s.rejectFrame(c, env, err)
		return
	}

	actx, cancel := s.opCtx(ctx)
	res, err := s.auth.Login(actx, account, data.Password)
	cancel()
	metrics.AuthTotal.WithLabelValues("login", res.State.String()).Inc()

	switch res.State {
	case auth.LoginSuccess:
	case auth.LoginAccountNotFound, auth.LoginPasswordIncorrect:
		c.log.Info().Stringer("by", account.Kind).Stringer("result", res.State).Msg("login rejected")
		c.sendData(protocol.CodeLoginReply, protocol.LoginReply{State: protocol.LoginInvalidCredentials})
		return
	default:
		c.log.Error().Err(err).Stringer("by", account.Kind).Msg("login failed")
		c.sendData(protocol.CodeLoginReply, protocol.LoginReply{State: protocol.LoginBackendError})
		return
	}

	if !c.authenticate(res.UserID) {
		c.protocolError(protocol.ReasonAlreadyAuthenticated, codeOf(env))
		return
	}
	s.bind(res.UserID, c)
	c.log.Info().Int64("user_id", res.UserID).Msg("login")
	c.sendData(protocol.CodeLoginReply, protocol.LoginReply{State: protocol.LoginOK, ID: res.UserID})

	if s.cfg.PendingBatch > 0 {
		n, err := s.dispatcher.DrainPending(context.WithoutCancel(ctx), res.UserID, c)
		if err != nil {
			c.log.Warn().Err(err).Int64("user_id", res.UserID).Int("drained", n).Msg("pending drain interrupted")
		} else if n > 0 {
			c.log.Info().Int64("user_id", res.UserID).Int("drained", n).Msg("pending messages delivered")
		}
	}
}

func (s *Server) handleRegister(ctx context.Context, c *Conn, env *protocol.Envelope) {
	if c.currentState() != stateUnauthenticated {
		c.protocolError(protocol.ReasonAlreadyAuthenticated, codeOf(env))
		return
	}

	var data protocol.RegisterData
	if err := env.Unmarshal(&data); err != nil {
		s.rejectFrame(c, env, err)
		return
	}
	if err := data.Validate(); err != nil {
		s.rejectFrame(c, env, err)
		return
	}

	req := auth.RegisterRequest{
		Name:     data.Name,
		Password: data.Password,
		Email:    data.Email,
		Time:     time.Now().Unix(),
	}
	switch {
	case env.Time != nil:
		req.Time = *env.Time
	case data.Time != nil:
		req.Time = *data.Time
	}

	actx, cancel := s.opCtx(ctx)
	res, err := s.auth.Register(actx, req)
	cancel()
	metrics.AuthTotal.WithLabelValues("register", res.State.String()).Inc()

	switch res.State {
	case auth.RegisterOK:
		c.log.Info().Int64("user_id", res.UserID).Str("ocid", res.Ocid).Msg("registered")
		c.sendData(protocol.CodeRegisterReply, protocol.RegisterReply{State: protocol.RegisterOK, Ocid: res.Ocid, ID: res.UserID})
	case auth.RegisterEmailDuplicate:
		c.sendData(protocol.CodeRegisterReply, protocol.RegisterReply{State: protocol.RegisterEmailDuplicate})
	default:
		c.log.Error().Err(err).Msg("register failed")
		c.sendData(protocol.CodeRegisterReply, protocol.RegisterReply{State: protocol.RegisterDatabaseError})
	}
}

// handleContent routes a text, emoji, picture or file message to its group.
// The sender is always the bound user; a sender_id in the payload is not
// trusted.
func (s *Server) handleContent(ctx context.Context, c *Conn, env *protocol.Envelope) {
	uid, ok := c.UserID()
	if !ok {
		c.protocolError(protocol.ReasonNotAuthenticated, codeOf(env))
		return
	}

	var data protocol.TextData
	if err := env.Unmarshal(&data); err != nil {
		s.rejectFrame(c, env, err)
		return
	}

	msg := &models.Message{
		Type:      models.MessageType(env.Code),
		Payload:   string(env.Data),
		SenderID:  uid,
		GroupID:   data.Cid,
		Timestamp: time.Now().UTC(),
	}
	res, err := s.dispatcher.Fanout(context.WithoutCancel(ctx), env.Code, msg)
	if err != nil {
		c.log.Error().Err(err).Int64("user_id", uid).Int64("group_id", data.Cid).Msg("fan-out failed")
		c.sendError(protocol.ReasonInternal, codeOf(env))
		return
	}
	if res.Failed > 0 {
		c.log.Warn().Int64("msg_id", res.MessageID).Int("failed", res.Failed).Msg("some recipients were not recorded")
	}
}
