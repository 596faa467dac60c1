package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/observability"
	"cabalcoin-lab/internal/rpc"
	"cabalcoin-lab/internal/storage"
	"cabalcoin-lab/internal/txn"
)

const maxRequestBytes = 1 << 20

// Server exposes a Node over HTTP.
//
//	POST /      JSON-RPC 2.0
//	GET  /ws    transactionSubscribe
//	GET  /health
//	GET  /metrics
type Server struct {
	node     *Node
	logger   *zap.Logger
	upgrader websocket.Upgrader
	subID    atomic.Int64
}

// NewServer creates a Server for n.
func NewServer(n *Node, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		node:   n,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/ws", s.handleWS)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	return mux
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var req rpc.Request
	var resp rpc.Response
	if err := json.Unmarshal(body, &req); err != nil {
		resp = rpc.Response{JSONRPC: "2.0", Error: &rpc.Error{Code: rpc.CodeParseError, Message: err.Error()}}
	} else {
		resp = s.dispatch(r.Context(), &req)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write rpc response", zap.Error(err))
	}
}

// dispatch runs one JSON-RPC request.
func (s *Server) dispatch(ctx context.Context, req *rpc.Request) rpc.Response {
	resp := rpc.Response{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "invalid request"}
		return resp
	}

	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		resp.Error = toRPCError(req.Method, req.Params, err)
		if resp.Error.Code == rpc.CodeLedgerUnavailable {
			s.logger.Warn("rpc call failed", zap.String("method", req.Method), zap.Error(err))
		}
		return resp
	}

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &rpc.Error{Code: rpc.CodeLedgerUnavailable, Message: fmt.Sprintf("encode result: %v", err)}
		return resp
	}
	resp.Result = raw
	return resp
}

// invalidParams marks a malformed parameter list.
type invalidParams struct {
	msg string
}

func (e *invalidParams) Error() string { return e.msg }

func param(params []json.RawMessage, i int, v any) error {
	if i >= len(params) {
		return &invalidParams{msg: fmt.Sprintf("missing param %d", i)}
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return &invalidParams{msg: fmt.Sprintf("param %d: %v", i, err)}
	}
	return nil
}

func (s *Server) call(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	n := s.node

	switch method {
	case rpc.MethodSubmitTransaction:
		var signed txn.SignedTransaction
		if err := param(params, 0, &signed); err != nil {
			return nil, err
		}
		hash, err := n.Submit(ctx, &signed)
		if err != nil {
			return nil, err
		}
		return rpc.SubmitResult{Hash: hash}, nil

	case rpc.MethodGetTransaction:
		var hash string
		if err := param(params, 0, &hash); err != nil {
			return nil, err
		}
		rec, err := n.Transaction(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return rec, err

	case rpc.MethodView:
		var req rpc.ViewRequest
		if err := param(params, 0, &req); err != nil {
			return nil, err
		}
		return n.View(ctx, req.Function, req.Arguments)

	case rpc.MethodGetBalance:
		var owner, asset domain.Address
		if err := param(params, 0, &owner); err != nil {
			return nil, err
		}
		if err := param(params, 1, &asset); err != nil {
			return nil, err
		}
		return n.Balance(ctx, owner, asset)

	case rpc.MethodFundAccount:
		var account domain.Address
		var amount uint64
		if err := param(params, 0, &account); err != nil {
			return nil, err
		}
		if len(params) > 1 {
			if err := param(params, 1, &amount); err != nil {
				return nil, err
			}
		}
		hash, err := n.Fund(ctx, account, amount)
		if err != nil {
			return nil, err
		}
		return rpc.SubmitResult{Hash: hash}, nil

	case rpc.MethodGetLedgerInfo:
		return rpc.LedgerInfo{
			ChainID:         n.ChainID(),
			LedgerVersion:   n.Version(),
			LedgerTimestamp: n.LedgerTime(),
		}, nil

	case rpc.MethodGetAccount:
		var account domain.Address
		if err := param(params, 0, &account); err != nil {
			return nil, err
		}
		seq, err := n.Sequence(ctx, account)
		if err != nil {
			return nil, err
		}
		return rpc.AccountInfo{Address: account, SequenceNumber: seq}, nil
	}

	return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "method not found: " + method}
}

// toRPCError maps node and ledger errors to JSON-RPC errors.
func toRPCError(method string, params []json.RawMessage, err error) *rpc.Error {
	var re *rpc.Error
	if errors.As(err, &re) {
		return re
	}
	var ip *invalidParams
	if errors.As(err, &ip) {
		return &rpc.Error{Code: rpc.CodeInvalidParams, Message: ip.msg}
	}

	switch {
	case errors.Is(err, ErrRejected):
		return &rpc.Error{Code: rpc.CodeTxRejected, Message: err.Error()}
	case errors.Is(err, ErrUnknownView), errors.Is(err, txn.ErrInvalidFunction):
		return &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, claim.ErrLedgerUnavailable):
		return &rpc.Error{Code: rpc.CodeLedgerUnavailable, Message: err.Error()}
	}

	if method == rpc.MethodView && claim.ReasonOf(err) != claim.ReasonUnknown {
		var req rpc.ViewRequest
		_ = param(params, 0, &req)
		fn, _ := txn.ParseEntryFunction(req.Function)
		return &rpc.Error{
			Code:    rpc.CodeViewAborted,
			Message: err.Error(),
			Data:    &rpc.ErrorData{VMStatus: VMStatus(fn, err)},
		}
	}

	return &rpc.Error{Code: rpc.CodeLedgerUnavailable, Message: err.Error()}
}

// handleWS serves transaction subscriptions. Each subscription receives one
// notification when its transaction is finalized.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	observability.AddWSSubscribers(1)
	defer observability.AddWSSubscribers(-1)

	ctx, cancel := context.WithCancel(r.Context())

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	defer wg.Wait()
	defer cancel()

	for {
		var req rpc.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		resp := rpc.Response{JSONRPC: "2.0", ID: req.ID}
		if req.Method != rpc.MethodTransactionSubscribe {
			resp.Error = &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "method not found: " + req.Method}
			if write(resp) != nil {
				return
			}
			continue
		}

		var hash string
		if err := param(req.Params, 0, &hash); err != nil {
			resp.Error = &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
			if write(resp) != nil {
				return
			}
			continue
		}

		ch, unsubscribe, err := s.node.Subscribe(ctx, hash)
		if err != nil {
			code := rpc.CodeLedgerUnavailable
			if errors.Is(err, storage.ErrNotFound) {
				code = rpc.CodeInvalidParams
			}
			resp.Error = &rpc.Error{Code: code, Message: fmt.Sprintf("subscribe %s: %v", hash, err)}
			if write(resp) != nil {
				return
			}
			continue
		}

		id := s.subID.Add(1)
		resp.Result, _ = json.Marshal(id)
		if err := write(resp); err != nil {
			unsubscribe()
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsubscribe()
			select {
			case rec := <-ch:
				write(rpc.Notification{
					JSONRPC: "2.0",
					Method:  rpc.MethodTransactionNotification,
					Params:  &rpc.NotificationParams{Subscription: id, Result: rec},
				})
			case <-ctx.Done():
			}
		}()
	}
}
