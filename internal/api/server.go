package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"AutoSwap-Chain/internal/automation"
	"AutoSwap-Chain/internal/chain/provider"
	"AutoSwap-Chain/internal/delegation"
	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/ledger"
	"AutoSwap-Chain/internal/scheduler"
	"AutoSwap-Chain/internal/session"
	"AutoSwap-Chain/pkg/logger"
)

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	sessions *session.Service
	rules    *automation.Service
	records  ledger.Store
	sched    *scheduler.Scheduler
	registry *provider.Registry
	target   common.Address

	ledgerLimit int
}

// Option 定义可选配置。
type Option func(*Server)

// WithLedgerLimit 设置账本查询的默认条数。
func WithLedgerLimit(limit int) Option {
	return func(s *Server) {
		if limit > 0 {
			s.ledgerLimit = limit
		}
	}
}

// WithChainRegistry 启用委托状态查询接口。
func WithChainRegistry(registry *provider.Registry, target common.Address) Option {
	return func(s *Server) {
		s.registry = registry
		s.target = target
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, sessions *session.Service, rules *automation.Service, records ledger.Store, sched *scheduler.Scheduler, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		sessions:    sessions,
		rules:       rules,
		records:     records,
		sched:       sched,
		ledgerLimit: 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整路由，便于测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/owners", s.handleOwners)
	mux.HandleFunc("/api/v1/session-credentials", s.handleCredentials)
	mux.HandleFunc("/api/v1/automation-rules", s.handleRules)
	mux.HandleFunc("/api/v1/automation-rules/", s.handleRuleByID)
	mux.HandleFunc("/api/v1/execution-ledger", s.handleLedger)
	mux.HandleFunc("/api/v1/execution-ledger/stats", s.handleLedgerStats)
	mux.HandleFunc("/api/v1/trigger-execution", s.handleTrigger)
	mux.HandleFunc("/api/v1/delegation-status", s.handleDelegationStatus)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleOwners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, "POST")
		return
	}
	var req struct {
		Wallet string `json:"wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	owner, created, err := s.sessions.EnsureOwner(r.Context(), req.Wallet)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, owner)
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleMintCredential(w, r)
	case http.MethodGet:
		s.handleListCredentials(w, r)
	default:
		writeMethodNotAllowed(w, "GET/POST")
	}
}

func (s *Server) handleMintCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner         string   `json:"owner"`
		Delegator     string   `json:"delegator"`
		PrivateKey    string   `json:"private_key"`
		PublicAddress string   `json:"public_address"`
		ValidUntil    int64    `json:"valid_until"`
		Actions       []string `json:"actions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	view, err := s.sessions.Mint(r.Context(), session.MintRequest{
		Owner:         req.Owner,
		Delegator:     req.Delegator,
		PrivateKey:    req.PrivateKey,
		PublicAddress: req.PublicAddress,
		ValidUntil:    req.ValidUntil,
		Actions:       req.Actions,
	})
	// 明文私钥只存在于请求体中，绝不回显。
	req.PrivateKey = ""
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if strings.TrimSpace(owner) == "" {
		writeError(w, xerrors.New(xerrors.CodeValidation, "缺少 owner 参数"))
		return
	}
	views, err := s.sessions.ListPublic(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRule(w, r)
	case http.MethodGet:
		s.handleListRules(w, r)
	default:
		writeMethodNotAllowed(w, "GET/POST")
	}
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req automation.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	rule, err := s.rules.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if strings.TrimSpace(owner) == "" {
		writeError(w, xerrors.New(xerrors.CodeValidation, "缺少 owner 参数"))
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	views, err := s.rules.List(r.Context(), owner, activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/automation-rules/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未知路径"))
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w, "DELETE")
		return
	}
	if err := s.rules.Deactivate(r.Context(), id, r.URL.Query().Get("owner")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deactivated"})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}
	owner := r.URL.Query().Get("owner")
	if strings.TrimSpace(owner) == "" {
		writeError(w, xerrors.New(xerrors.CodeValidation, "缺少 owner 参数"))
		return
	}
	limit := s.ledgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.records.ListByOwner(r.Context(), session.NormalizeWallet(owner), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}
	owner := r.URL.Query().Get("owner")
	if strings.TrimSpace(owner) == "" {
		writeError(w, xerrors.New(xerrors.CodeValidation, "缺少 owner 参数"))
		return
	}
	stats, err := s.records.StatsByOwner(r.Context(), session.NormalizeWallet(owner))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, "POST")
		return
	}
	if s.sched == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化"))
		return
	}
	var req struct {
		RuleID string `json:"rule_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(req.RuleID) == "" {
		writeError(w, xerrors.New(xerrors.CodeValidation, "缺少 rule_id 字段"))
		return
	}
	if err := s.sched.RunRule(r.Context(), req.RuleID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rule_id": req.RuleID, "status": "executed"})
}

func (s *Server) handleDelegationStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}
	if s.registry == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "链客户端未配置"))
		return
	}
	wallet := r.URL.Query().Get("wallet")
	if !common.IsHexAddress(wallet) {
		writeError(w, xerrors.New(xerrors.CodeValidation, "钱包地址不合法"))
		return
	}
	client, ok := s.registry.Client(r.URL.Query().Get("chain"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeValidation, "未配置该链"))
		return
	}
	manager, err := delegation.NewManager(client, s.target)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := manager.CheckStatus(r.Context(), common.HexToAddress(wallet))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// errorEnvelope 是所有错误响应的统一结构。
type errorEnvelope struct {
	Error         string            `json:"error"`
	Code          string            `json:"code"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	envelope := errorEnvelope{
		Error: err.Error(),
		Code:  string(xerrors.CodeOf(err)),
	}
	var typed *xerrors.Error
	if errors.As(err, &typed) && len(typed.Metadata()) > 0 {
		envelope.Details = typed.Metadata()
	}
	if status >= http.StatusInternalServerError {
		envelope.CorrelationID = uuid.NewString()
		logger.L().Error("请求处理失败",
			slog.String("correlation_id", envelope.CorrelationID),
			slog.String("code", envelope.Code),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, envelope)
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{
		Error: "仅支持 " + allowed,
		Code:  string(xerrors.CodeValidation),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
