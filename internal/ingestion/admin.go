package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"PerpSettle/internal/capability"
	"PerpSettle/internal/core"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultAdminSubject is the request-reply subject for direct calls.
const DefaultAdminSubject = "settle.admin"

var ErrCallerSignature = errors.New("admin call not signed by caller")

// AdminExecutor runs one direct call. *core.Engine implements it.
type AdminExecutor interface {
	ExecuteAdmin(call core.AdminCall) (*core.Output, error)
}

// AdminRequest is the body of an admin request: the call and the caller's
// signature over call.Digest().
type AdminRequest struct {
	Call      core.AdminCall `json:"call"`
	Signature hexutil.Bytes  `json:"signature"`
}

// AdminReply reports the outcome of one call.
type AdminReply struct {
	CommandSeq int64       `json:"command_seq,omitempty"`
	StateHash  common.Hash `json:"state_hash,omitempty"`
	Duplicate  bool        `json:"duplicate,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// AdminServer answers signed admin calls over NATS request-reply. Funds of
// a deposit are collected from custody before the call is applied and
// refunded if the call does not commit.
type AdminServer struct {
	exec       AdminExecutor
	verifier   capability.SignatureVerifier
	custody    capability.Custody
	collateral common.Address
	logger     zerolog.Logger
	sub        *nats.Subscription
}

func NewAdminServer(exec AdminExecutor, verifier capability.SignatureVerifier, custody capability.Custody, collateral common.Address, logger zerolog.Logger) *AdminServer {
	return &AdminServer{
		exec:       exec,
		verifier:   verifier,
		custody:    custody,
		collateral: collateral,
		logger:     logger,
	}
}

// Serve subscribes to subject in a queue group. Replies are sent on the
// request's reply subject.
func (s *AdminServer) Serve(ctx context.Context, nc *nats.Conn, subject string) error {
	sub, err := nc.QueueSubscribe(subject, "settle-admin", func(msg *nats.Msg) {
		reply := s.Handle(ctx, msg.Data)
		body, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error().Err(err).Msg("encode admin reply")
			return
		}
		if msg.Reply != "" {
			if err := msg.Respond(body); err != nil {
				s.logger.Warn().Err(err).Msg("admin reply not delivered")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Info().Str("subject", subject).Msg("admin calls enabled")
	return nil
}

func (s *AdminServer) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// Handle decodes, authenticates and applies one request.
func (s *AdminServer) Handle(ctx context.Context, data []byte) AdminReply {
	var req AdminRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return AdminReply{Error: fmt.Sprintf("decode request: %v", err)}
	}
	out, err := s.execute(ctx, req)
	switch {
	case err != nil:
		return AdminReply{Error: err.Error()}
	case out == nil:
		return AdminReply{Duplicate: true}
	}
	return AdminReply{CommandSeq: out.Command.Seq, StateHash: out.StateHash}
}

func (s *AdminServer) execute(ctx context.Context, req AdminRequest) (*core.Output, error) {
	call := req.Call
	digest, err := call.Digest()
	if err != nil {
		return nil, err
	}
	if !s.verifier.IsValidSignature(call.Caller, digest, req.Signature) {
		return nil, fmt.Errorf("%w: %s", ErrCallerSignature, call.Caller.Hex())
	}

	from, asset, collect := s.collection(call)
	if collect {
		if err := s.custody.Collect(ctx, from, asset, call.Amount); err != nil {
			return nil, fmt.Errorf("custody collect: %w", err)
		}
	}

	out, err := s.exec.ExecuteAdmin(call)
	if collect && (err != nil || out == nil) {
		s.refund(ctx, call, from, asset)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(call.Kind)).Str("id", call.ID).Msg("admin call failed")
	}
	return out, err
}

// collection returns who pays in, and in which asset, for calls that bring
// funds into the venue.
func (s *AdminServer) collection(call core.AdminCall) (common.Address, common.Address, bool) {
	if !call.Amount.IsPositive() {
		return common.Address{}, common.Address{}, false
	}
	switch call.Kind {
	case core.AdminDeposit:
		return call.Account, call.Asset, true
	case core.AdminInsuranceDeposit:
		return call.Caller, s.collateral, true
	}
	return common.Address{}, common.Address{}, false
}

func (s *AdminServer) refund(ctx context.Context, call core.AdminCall, to, asset common.Address) {
	err := s.custody.Payout(ctx, capability.Payout{
		Kind:    capability.PayoutRefund,
		Account: to,
		Asset:   asset,
		Amount:  call.Amount,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("id", call.ID).Str("to", to.Hex()).Msg("refund failed")
	}
}
