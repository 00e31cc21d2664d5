// Package httpapi exposes the validator-console surface of §6: a small
// JSON/HTTP view over the lite-query dispatcher, for operators and
// tooling that would rather curl a block than speak the binary
// lite-client protocol.
//
// Grounded on core/virtual_machine.go's gorilla/mux + golang.org/x/time/rate
// HTTP surface (routes registered on a mux.Router, wrapped in a rate-limit
// middleware), generalized from a single rate limiter guarding one VM
// endpoint to per-route admission delegated to the dispatcher itself
// (internal/litequery.Dispatcher already rate-limits every call).
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chainarchive/internal/archerr"
	"chainarchive/internal/litequery"
	"chainarchive/internal/types"
)

// Server is the validator console: a thin JSON adapter over a Dispatcher.
type Server struct {
	disp   *litequery.Dispatcher
	runner litequery.MethodRunner
	log    *logrus.Entry
	router *mux.Router
}

// New builds a Server and registers every route. runner may be nil, in
// which case /v1/run-smc-method reports the VM as unavailable rather than
// panicking — a console wired only for archive-read routes is valid.
func New(disp *litequery.Dispatcher, runner litequery.MethodRunner) *Server {
	s := &Server{disp: disp, runner: runner, log: logrus.WithField("component", "litequery-httpapi"), router: mux.NewRouter()}
	s.router.HandleFunc("/v1/masterchain-info", s.handleMasterchainInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/block/{workchain:-?[0-9]+}/{shard:[0-9a-fA-F]+}/{seqno:[0-9]+}", s.handleBlockHeader).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/lookup-block", s.handleLookupBlock).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/run-smc-method", s.handleRunSMCMethod).Methods(http.MethodPost)
	return s
}

// ServeHTTP satisfies http.Handler so a daemon main() can mount Server
// directly on an http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := archerr.WireCode(err)
	status := http.StatusInternalServerError
	if code == 652 {
		status = http.StatusNotFound
	} else if code == 653 {
		status = http.StatusBadRequest
	} else if code == 657 {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": code})
}

func (s *Server) handleMasterchainInfo(w http.ResponseWriter, r *http.Request) {
	seqno, _ := strconv.ParseUint(r.URL.Query().Get("last_seqno"), 10, 32)
	info, err := s.disp.GetMasterchainInfo(r.Context(), uint32(seqno))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last":        info.Last.String(),
		"state_root":  info.StateRoot.String(),
		"init":        info.Init.String(),
		"server_time": info.ServerTime,
	})
}

func (s *Server) handleBlockHeader(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workchain, err := strconv.ParseInt(vars["workchain"], 10, 32)
	if err != nil {
		writeError(w, archerr.Wrap(archerr.ErrProtocolViolation, "httpapi: bad workchain"))
		return
	}
	shard, err := strconv.ParseUint(vars["shard"], 16, 64)
	if err != nil {
		writeError(w, archerr.Wrap(archerr.ErrProtocolViolation, "httpapi: bad shard"))
		return
	}
	seqno, err := strconv.ParseUint(vars["seqno"], 10, 32)
	if err != nil {
		writeError(w, archerr.Wrap(archerr.ErrProtocolViolation, "httpapi: bad seqno"))
		return
	}
	id := types.BlockID{Workchain: int32(workchain), Shard: shard, Seqno: uint32(seqno)}
	h, err := s.disp.GetBlockHeader(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        h.ID.String(),
		"key_block": h.KeyBlock,
		"unix_time": h.UnixTime,
		"lt":        h.LT,
		"prev0":     h.Prev[0].String(),
		"next0":     h.Next[0].String(),
	})
}

func (s *Server) handleLookupBlock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	shard, err := strconv.ParseUint(q.Get("shard"), 16, 64)
	if err != nil {
		writeError(w, archerr.Wrap(archerr.ErrProtocolViolation, "httpapi: bad shard"))
		return
	}
	var mode litequery.LookupKind
	var key uint64
	switch q.Get("mode") {
	case "lt":
		mode = litequery.LookupByLT
		key, _ = strconv.ParseUint(q.Get("lt"), 10, 64)
	case "unixtime":
		mode = litequery.LookupByUnixTime
		key, _ = strconv.ParseUint(q.Get("unixtime"), 10, 32)
	default:
		mode = litequery.LookupBySeqno
		key, _ = strconv.ParseUint(q.Get("seqno"), 10, 32)
	}
	withProof := q.Get("with_proof") == "1"

	id, p, err := s.disp.LookupBlock(r.Context(), shard, mode, key, withProof)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"id": id.String()}
	if withProof {
		resp["proof_root"] = p.Root.String()
		resp["proof_leaf"] = hex.EncodeToString(p.Leaf)
	}
	writeJSON(w, http.StatusOK, resp)
}

type runSMCRequest struct {
	Workchain int32  `json:"workchain"`
	Shard     uint64 `json:"shard"`
	Seqno     uint32 `json:"seqno"`
	Account   string `json:"account"`
	MethodID  int32  `json:"method_id"`
	StackHex  string `json:"stack_hex"`
}

func (s *Server) handleRunSMCMethod(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, archerr.Wrap(archerr.ErrUnavailable, "httpapi: run_smc_method: no VM runner wired"))
		return
	}
	var req runSMCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, archerr.Wrap(archerr.ErrProtocolViolation, "httpapi: malformed run_smc_method body"))
		return
	}
	accountBytes, err := hex.DecodeString(req.Account)
	if err != nil || len(accountBytes) != len(types.AccountID{}) {
		writeError(w, archerr.Wrap(archerr.ErrProtocolViolation, "httpapi: bad account"))
		return
	}
	var account types.AccountID
	copy(account[:], accountBytes)
	stack, err := hex.DecodeString(req.StackHex)
	if err != nil {
		writeError(w, archerr.Wrap(archerr.ErrProtocolViolation, "httpapi: bad stack_hex"))
		return
	}
	block := types.BlockID{Workchain: req.Workchain, Shard: req.Shard, Seqno: req.Seqno}

	res, err := s.disp.RunSMCMethod(r.Context(), block, account, req.MethodID, stack, s.runner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exit_code": res.ExitCode,
		"stack_hex": hex.EncodeToString(res.Stack),
	})
}
