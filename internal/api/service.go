// Package api exposes the CDP engine over HTTP and WebSocket.
//
// Every mutating request runs the engine and settles the resulting
// transfer instructions inside one store transaction: the ledger and the
// settlement record commit together or not at all. Events are published
// only after commit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/cdp-engine/internal/cdp"
	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/metrics"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/outbox"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// SenderHeader carries the authenticated principal. The gateway in front
// of the service is trusted to set it.
const SenderHeader = "X-Sender"

// Settlement returns the executor for an operation's instructions, bound
// to the operation's store transaction.
type Settlement func(tx store.Store) transfer.Executor

// Direct settles through exec inside the transaction. An executor error
// rolls the ledger back.
func Direct(exec transfer.Executor) Settlement {
	return func(store.Store) transfer.Executor { return exec }
}

// Outbox records each operation's instructions as one batch in the
// transaction; an outbox.Relay publishes it after commit.
func Outbox() Settlement {
	return func(tx store.Store) transfer.Executor { return outbox.NewWriter(tx) }
}

// Service handles CDP operations. Mutations are serialized by a mutex
// (single-instance); the store transaction provides atomicity.
type Service struct {
	store    store.Store
	engine   *cdp.Engine
	settle   Settlement
	sink     events.Sink
	now      func() time.Time
	onCommit func()
	mu       sync.Mutex
}

// NewService creates a new CDP service. A nil sink discards events.
func NewService(st store.Store, engine *cdp.Engine, settle Settlement, sink events.Sink) *Service {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Service{
		store:  st,
		engine: engine,
		settle: settle,
		sink:   sink,
		now:    time.Now,
	}
}

// OnCommit registers fn to run after an operation that produced transfer
// instructions has committed.
func (s *Service) OnCommit(fn func()) { s.onCommit = fn }

// SetClock replaces the time source used for price freshness.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Register mounts the CDP routes on r.
func (s *Service) Register(r chi.Router) {
	r.Get("/config", s.GetConfig)
	r.Put("/config", s.UpdateConfig)

	r.Get("/assets", s.ListAssets)
	r.Post("/assets", s.RegisterAsset)
	r.Get("/assets/{token}", s.GetAsset)
	r.Patch("/assets/{token}", s.UpdateAsset)

	r.Get("/positions", s.ListPositions)
	r.Post("/positions", s.OpenPosition)
	r.Get("/positions/next-idx", s.NextPositionIdx)
	r.Get("/positions/{idx}", s.GetPosition)
	r.Get("/positions/{idx}/history", s.GetHistory)
	r.Post("/positions/{idx}/deposit", s.Deposit)
	r.Post("/positions/{idx}/withdraw", s.Withdraw)
	r.Post("/positions/{idx}/mint", s.Mint)

	r.Post("/receive", s.Receive)
}

// --- Request types ---

// OpenPositionRequest is the JSON body for POST /positions. Funds are the
// native coins attached to the call and must match the collateral.
type OpenPositionRequest struct {
	cdp.OpenRequest
	Funds []model.Asset `json:"funds"`
}

// DepositRequest is the JSON body for POST /positions/{idx}/deposit.
type DepositRequest struct {
	Collateral model.Asset   `json:"collateral"`
	Funds      []model.Asset `json:"funds"`
}

// WithdrawRequest is the JSON body for POST /positions/{idx}/withdraw.
// Omitting collateral withdraws all of it.
type WithdrawRequest struct {
	Collateral *model.Asset `json:"collateral,omitempty"`
}

// MintRequest is the JSON body for POST /positions/{idx}/mint.
type MintRequest struct {
	Asset model.Asset `json:"asset"`
}

// --- Mutations ---

type operation func(ctx context.Context, tx store.Store, env cdp.Env) (*cdp.Result, error)

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if !decode(w, r, &req) {
		return
	}
	s.execute(w, r, model.ActionOpen, req.Funds, func(ctx context.Context, tx store.Store, env cdp.Env) (*cdp.Result, error) {
		return s.engine.OpenPosition(ctx, tx, env, req.OpenRequest)
	})
}

// Deposit handles POST /api/v1/positions/{idx}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	idx, ok := positionIdx(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	s.execute(w, r, model.ActionDeposit, req.Funds, func(ctx context.Context, tx store.Store, env cdp.Env) (*cdp.Result, error) {
		return s.engine.Deposit(ctx, tx, env, idx, req.Collateral)
	})
}

// Withdraw handles POST /api/v1/positions/{idx}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	idx, ok := positionIdx(w, r)
	if !ok {
		return
	}
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	s.execute(w, r, model.ActionWithdraw, nil, func(ctx context.Context, tx store.Store, env cdp.Env) (*cdp.Result, error) {
		return s.engine.Withdraw(ctx, tx, env, idx, req.Collateral)
	})
}

// Mint handles POST /api/v1/positions/{idx}/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	idx, ok := positionIdx(w, r)
	if !ok {
		return
	}
	var req MintRequest
	if !decode(w, r, &req) {
		return
	}
	s.execute(w, r, model.ActionMint, nil, func(ctx context.Context, tx store.Store, env cdp.Env) (*cdp.Result, error) {
		return s.engine.Mint(ctx, tx, env, idx, req.Asset)
	})
}

// Receive handles POST /api/v1/receive. The sender is the token contract
// reporting a transfer to the engine; the hook selects burn, auction,
// deposit or open_position.
func (s *Service) Receive(w http.ResponseWriter, r *http.Request) {
	var msg cdp.ReceiveMsg
	if !decode(w, r, &msg) {
		return
	}
	s.execute(w, r, "receive", nil, func(ctx context.Context, tx store.Store, env cdp.Env) (*cdp.Result, error) {
		return s.engine.Receive(ctx, tx, env, msg)
	})
}

// UpdateConfig handles PUT /api/v1/config
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var upd cdp.ConfigUpdate
	if !decode(w, r, &upd) {
		return
	}
	s.execute(w, r, model.ActionConfigure, nil, func(ctx context.Context, tx store.Store, env cdp.Env) (*cdp.Result, error) {
		return s.engine.UpdateConfig(ctx, tx, env, upd)
	})
}

// RegisterAsset handles POST /api/v1/assets
func (s *Service) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	var a model.AssetConfig
	if !decode(w, r, &a) {
		return
	}
	s.execute(w, r, model.ActionRegister, nil, func(ctx context.Context, tx store.Store, env cdp.Env) (*cdp.Result, error) {
		return s.engine.RegisterAsset(ctx, tx, env, a)
	})
}

// UpdateAsset handles PATCH /api/v1/assets/{token}
func (s *Service) UpdateAsset(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var upd cdp.AssetUpdate
	if !decode(w, r, &upd) {
		return
	}
	s.execute(w, r, model.ActionUpdate, nil, func(ctx context.Context, tx store.Store, env cdp.Env) (*cdp.Result, error) {
		return s.engine.UpdateAssetConfig(ctx, tx, env, token, upd)
	})
}

// execute runs op and settles its transfers in one transaction, then publishes
// the resulting events and writes the result.
func (s *Service) execute(w http.ResponseWriter, r *http.Request, action model.Action, funds []model.Asset, op operation) {
	sender := r.Header.Get(SenderHeader)
	if sender == "" {
		writeError(w, SenderHeader+" header is required", "unauthenticated", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	start := time.Now()
	env := cdp.Env{Sender: sender, Time: s.now().UTC(), Funds: funds}

	s.mu.Lock()
	var res *cdp.Result
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		if res, err = op(ctx, tx, env); err != nil {
			return err
		}
		return s.settle(tx).Execute(ctx, res.Messages)
	})
	s.mu.Unlock()

	if err != nil {
		status, code := errorStatus(err)
		metrics.OperationRejections.WithLabelValues(string(action), code).Inc()
		if status == http.StatusInternalServerError {
			slog.Error("operation failed", "action", action, "sender", sender, "err", err)
			writeError(w, "internal error", code, status)
			return
		}
		slog.Warn("operation rejected", "action", action, "sender", sender, "code", code, "err", err)
		writeError(w, err.Error(), code, status)
		return
	}

	if s.onCommit != nil && len(res.Messages) > 0 {
		s.onCommit()
	}
	s.observe(res, time.Since(start))
	s.publish(ctx, res.Events)

	attrs := []any{"action", res.Action, "sender", sender, "messages", len(res.Messages)}
	if res.Position != nil {
		attrs = append(attrs,
			"position_idx", res.Position.Idx,
			"collateral", res.Position.Collateral.String(),
			"asset", res.Position.Asset.String(),
		)
	}
	slog.Info(fmt.Sprintf("%s executed", res.Action), attrs...)

	status := http.StatusOK
	if res.Action == model.ActionOpen || res.Action == model.ActionRegister {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Service) observe(res *cdp.Result, took time.Duration) {
	metrics.OperationsTotal.WithLabelValues(string(res.Action)).Inc()
	metrics.OperationLatency.WithLabelValues(string(res.Action)).Observe(took.Seconds())
	for _, m := range res.Messages {
		metrics.TransferInstructions.WithLabelValues(string(m.Kind)).Inc()
	}
	switch res.Action {
	case model.ActionOpen:
		metrics.OpenPositions.Inc()
	case model.ActionBurn, model.ActionAuction:
		closed := res.Position != nil && res.Position.Closed()
		if closed {
			metrics.OpenPositions.Dec()
		}
		if res.Action == model.ActionAuction {
			metrics.Liquidations.WithLabelValues(strconv.FormatBool(closed)).Inc()
		}
	}
}

// publish hands committed events to the sink. Failures are logged; the
// ledger already holds the events.
func (s *Service) publish(ctx context.Context, evs []model.Event) {
	for _, ev := range evs {
		if err := s.sink.Publish(ctx, ev); err != nil {
			metrics.EventPublishFailures.Inc()
			slog.Warn("event publish failed", "event_id", ev.ID, "action", ev.Action, "err", err)
		}
	}
}

// --- Queries ---

// GetConfig handles GET /api/v1/config
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.Config(r.Context(), s.store)
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListAssets handles GET /api/v1/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.engine.Assets(r.Context(), s.store)
	if err != nil {
		s.queryError(w, err)
		return
	}
	if assets == nil {
		assets = []model.AssetConfig{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAsset handles GET /api/v1/assets/{token}
func (s *Service) GetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.AssetConfig(r.Context(), s.store, chi.URLParam(r, "token"))
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetPosition handles GET /api/v1/positions/{idx}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	idx, ok := positionIdx(w, r)
	if !ok {
		return
	}
	view, err := s.engine.Position(r.Context(), s.store, idx, s.now().UTC())
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListPositions handles GET /api/v1/positions
// Filters: ?owner=, ?asset=<token>, ?start_after=, ?limit=, ?order=asc|desc.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.PositionFilter{
		Owner:      q.Get("owner"),
		AssetToken: q.Get("asset"),
		Order:      store.Order(q.Get("order")),
	}
	if v := q.Get("start_after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, "start_after must be a position idx", "invalid_message", http.StatusBadRequest)
			return
		}
		f.StartAfter = &n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "limit must be an integer", "invalid_message", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	if f.Order != "" && f.Order != store.Ascending && f.Order != store.Descending {
		writeError(w, "order must be asc or desc", "invalid_message", http.StatusBadRequest)
		return
	}

	views, err := s.engine.Positions(r.Context(), s.store, f, s.now().UTC())
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// NextPositionIdx handles GET /api/v1/positions/next-idx
func (s *Service) NextPositionIdx(w http.ResponseWriter, r *http.Request) {
	next, err := s.engine.NextPositionIdx(r.Context(), s.store)
	if err != nil {
		s.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"next_position_idx": next})
}

// GetHistory handles GET /api/v1/positions/{idx}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	idx, ok := positionIdx(w, r)
	if !ok {
		return
	}
	evs, err := s.engine.History(r.Context(), s.store, idx)
	if err != nil {
		s.queryError(w, err)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Service) queryError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("query failed", "err", err)
		writeError(w, "internal error", code, status)
		return
	}
	writeError(w, err.Error(), code, status)
}

// --- Helpers ---

// decode reads a JSON body into v. An empty body leaves v zero.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body: "+err.Error(), "invalid_message", http.StatusBadRequest)
		return false
	}
	return true
}

func positionIdx(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	idx, err := strconv.ParseUint(chi.URLParam(r, "idx"), 10, 64)
	if err != nil {
		writeError(w, "position idx must be a positive integer", "invalid_message", http.StatusBadRequest)
		return 0, false
	}
	return idx, true
}
