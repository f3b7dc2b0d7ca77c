package scheduler

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"AutoSwap-Chain/internal/automation"
	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/ledger"
	"AutoSwap-Chain/internal/observability/alerting"
	"AutoSwap-Chain/internal/recurrence"
	"AutoSwap-Chain/internal/session"
	"AutoSwap-Chain/pkg/logger"
)

// Scheduler 周期性扫描到期规则，经由队列分发给工作协程执行。
// 执行结果写入账本；成功才推进调度时间，失败的规则停留在原计划
// 时刻，由下一个扫描周期重新捞起。
type Scheduler struct {
	rules     automation.Store
	sessions  *session.Service
	records   ledger.Store
	queue     Queue
	executor  Executor
	alerter   alerting.Dispatcher
	tick      time.Duration
	execLimit time.Duration
	backoff   time.Duration
	workers   int

	wallets *walletLocks

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithTick 设置扫描周期。
func WithTick(tick time.Duration) Option {
	return func(s *Scheduler) {
		if tick > 0 {
			s.tick = tick
		}
	}
}

// WithExecutionTimeout 设置单次执行的超时时间。
func WithExecutionTimeout(limit time.Duration) Option {
	return func(s *Scheduler) {
		if limit > 0 {
			s.execLimit = limit
		}
	}
}

// WithFailureBackoff 设置失败规则的线性退避步长。
// 为零时失败规则在下一个扫描周期立即重试。
func WithFailureBackoff(backoff time.Duration) Option {
	return func(s *Scheduler) {
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) Option {
	return func(s *Scheduler) {
		if workers > 0 {
			s.workers = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Scheduler) {
		s.alerter = dispatcher
	}
}

// New 构造 Scheduler。
func New(rules automation.Store, sessions *session.Service, records ledger.Store, queue Queue, executor Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		rules:     rules,
		sessions:  sessions,
		records:   records,
		queue:     queue,
		executor:  executor,
		tick:      5 * time.Minute,
		execLimit: 2 * time.Minute,
		workers:   1,
		wallets:   newWalletLocks(),
		inFlight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动扫描循环与队列消费，阻塞直到 ctx 结束。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.rules == nil || s.sessions == nil || s.records == nil || s.queue == nil || s.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未完整初始化")
	}

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- s.queue.Consume(ctx, s.workers, s.handle)
	}()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// 启动时先扫一轮，停机期间积压的规则不用等一个完整周期。
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return <-consumeErr
		case err := <-consumeErr:
			return err
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep 把当前到期且不在途的规则投递到队列。
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()
	due, err := s.rules.ListDue(ctx, now.Unix())
	if err != nil {
		logger.L().Error("扫描到期规则失败", slog.Any("error", err))
		return
	}

	dispatched := 0
	for _, rule := range due {
		if !s.pastBackoff(rule, now) {
			continue
		}
		if !s.markInFlight(rule.ID) {
			continue
		}
		if err := s.queue.Publish(ctx, rule.ID); err != nil {
			s.clearInFlight(rule.ID)
			logger.L().Error("投递规则失败",
				slog.Any("error", err),
				slog.String("rule_id", rule.ID))
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		logger.L().Info("调度扫描完成",
			slog.Int("due", len(due)),
			slog.Int("dispatched", dispatched))
	}
}

// pastBackoff 判断失败中的规则是否已过退避窗口。
// 退避是线性的：连续失败 n 次后等待 n 个步长。
func (s *Scheduler) pastBackoff(rule *automation.Rule, now time.Time) bool {
	if s.backoff <= 0 || rule.FailureStreak == 0 {
		return true
	}
	wait := time.Duration(rule.FailureStreak) * s.backoff
	return now.Unix() >= rule.LastFailureAt+int64(wait.Seconds())
}

func (s *Scheduler) markInFlight(ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[ruleID]; ok {
		return false
	}
	s.inFlight[ruleID] = struct{}{}
	return true
}

func (s *Scheduler) clearInFlight(ruleID string) {
	s.mu.Lock()
	delete(s.inFlight, ruleID)
	s.mu.Unlock()
}

// handle 是队列消费入口。
func (s *Scheduler) handle(ctx context.Context, ruleID string) error {
	defer s.clearInFlight(ruleID)
	return s.process(ctx, ruleID, false)
}

// RunRule 立即执行一条规则，绕过到期检查。供手动触发接口使用。
func (s *Scheduler) RunRule(ctx context.Context, ruleID string) error {
	if !s.markInFlight(ruleID) {
		return xerrors.New(xerrors.CodeConflict, "规则正在执行中")
	}
	defer s.clearInFlight(ruleID)
	return s.process(ctx, ruleID, true)
}

func (s *Scheduler) process(ctx context.Context, ruleID string, force bool) error {
	rule, err := s.rules.Get(ctx, ruleID)
	if err != nil {
		if stdErrors.Is(err, automation.ErrRuleNotFound) {
			logger.L().Warn("规则已不存在，跳过", slog.String("rule_id", ruleID))
			return nil
		}
		return err
	}
	if !rule.Active {
		logger.L().Debug("规则已停用，跳过", slog.String("rule_id", ruleID))
		return nil
	}
	now := time.Now()
	if !force && !rule.Due(now.Unix()) {
		// 入队后被其他执行者推进过，属于正常竞争。
		return nil
	}

	unlock := s.wallets.lock(rule.Owner)
	defer unlock()

	credential, err := s.sessions.Get(ctx, rule.CredentialID)
	if err != nil {
		s.recordFailure(ctx, rule, nil, "加载会话凭证失败: "+err.Error(), err)
		return nil
	}
	if credential.Expired(now) {
		s.recordFailure(ctx, rule, nil, "session credential expired", session.ErrCredentialExpired)
		return nil
	}

	sessionKey, err := s.sessions.Reveal(ctx, credential.ID)
	if err != nil {
		s.recordFailure(ctx, rule, nil, "解密会话私钥失败", err)
		return nil
	}

	record := &ledger.Record{
		ID:        uuid.NewString(),
		Owner:     rule.Owner,
		RuleID:    rule.ID,
		Status:    ledger.StatusPending,
		CreatedAt: now.Unix(),
	}
	if err := s.records.Append(ctx, record); err != nil {
		logger.L().Error("写入账本失败", slog.Any("error", err), slog.String("rule_id", rule.ID))
		return err
	}

	execCtx, cancel := context.WithTimeout(ctx, s.execLimit)
	defer cancel()

	result, execErr := s.executor.Execute(execCtx, ExecutionRequest{
		Rule:       *rule,
		Credential: *credential,
		SessionKey: sessionKey,
		Notify: func(update ledger.StatusUpdate) {
			if err := s.records.UpdateStatus(ctx, record.ID, update); err != nil {
				logger.L().Warn("上报执行进度失败",
					slog.Any("error", err),
					slog.String("record_id", record.ID))
			}
		},
	})
	if execErr != nil {
		detail := execErr.Error()
		if stdErrors.Is(execCtx.Err(), context.DeadlineExceeded) {
			execErr = xerrors.Wrap(xerrors.CodeTimeout, execErr, "执行超时")
			detail = "执行超时"
		}
		s.recordFailure(ctx, rule, record, detail, execErr)
		return nil
	}

	update := ledger.StatusUpdate{Status: ledger.StatusSuccess}
	if result != nil {
		update.TxHash = result.TxHash
		update.DestTxHash = result.DestTxHash
		update.BridgeTxHash = result.BridgeTxHash
		update.Detail = result.Detail
	}
	if err := s.records.UpdateStatus(ctx, record.ID, update); err != nil {
		logger.L().Error("推进账本状态失败", slog.Any("error", err), slog.String("record_id", record.ID))
	}

	// 只有到期执行才推进调度；提前的手动触发不改变原有锚点。
	if rule.Due(now.Unix()) || rule.NextExecution <= 0 {
		s.advance(ctx, rule, now)
	}

	logger.Audit().Info("规则执行成功",
		slog.String("rule_id", rule.ID),
		slog.String("owner", rule.Owner),
		slog.String("record_id", record.ID),
		slog.String("tx_hash", update.TxHash),
	)
	return nil
}

// advance 把规则推进一个周期，锚点是本次计划时刻而不是完成时刻。
// 从未排期的规则没有锚点，从当前时刻起算。
func (s *Scheduler) advance(ctx context.Context, rule *automation.Rule, now time.Time) {
	anchor := time.Unix(rule.NextExecution, 0)
	if rule.NextExecution <= 0 {
		anchor = now
	}
	next := anchor
	for {
		advanced, err := recurrence.Advance(next, rule.Frequency)
		if err != nil {
			logger.L().Error("计算下次执行时间失败", slog.Any("error", err), slog.String("rule_id", rule.ID))
			return
		}
		next = advanced
		// 长时间停机后跳过已经错过的周期，追上当前时间。
		if next.Unix() > now.Unix() {
			break
		}
	}

	if err := s.rules.AdvanceSchedule(ctx, rule.ID, next.Unix(), rule.Version); err != nil {
		if stdErrors.Is(err, automation.ErrVersionConflict) {
			logger.L().Warn("规则版本冲突，跳过推进", slog.String("rule_id", rule.ID))
			return
		}
		logger.L().Error("推进规则调度失败", slog.Any("error", err), slog.String("rule_id", rule.ID))
	}
}

// recordFailure 写入失败账本记录并累加失败计数。
// 规则的 NextExecution 保持不变，下个周期继续重试。
func (s *Scheduler) recordFailure(ctx context.Context, rule *automation.Rule, record *ledger.Record, detail string, cause error) {
	now := time.Now().Unix()
	if record == nil {
		record = &ledger.Record{
			ID:        uuid.NewString(),
			Owner:     rule.Owner,
			RuleID:    rule.ID,
			Status:    ledger.StatusFailed,
			Detail:    detail,
			CreatedAt: now,
		}
		if err := s.records.Append(ctx, record); err != nil {
			logger.L().Error("写入失败记录出错", slog.Any("error", err), slog.String("rule_id", rule.ID))
		}
	} else {
		err := s.records.UpdateStatus(ctx, record.ID, ledger.StatusUpdate{
			Status: ledger.StatusFailed,
			Detail: detail,
		})
		if err != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", err), slog.String("record_id", record.ID))
		}
	}

	if err := s.rules.RecordFailure(ctx, rule.ID, now); err != nil {
		logger.L().Error("记录失败计数出错", slog.Any("error", err), slog.String("rule_id", rule.ID))
	}

	logger.Audit().Warn("规则执行失败",
		slog.String("rule_id", rule.ID),
		slog.String("owner", rule.Owner),
		slog.String("detail", detail),
		slog.String("error_code", string(xerrors.CodeOf(cause))),
		slog.Int64("failure_streak", rule.FailureStreak+1),
	)
	s.emitAlert(ctx, rule, cause, detail)
}

func (s *Scheduler) emitAlert(ctx context.Context, rule *automation.Rule, cause error, detail string) {
	if s.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:          code,
		Message:       detail,
		Severity:      xerrors.SeverityOf(cause),
		RuleID:        rule.ID,
		Owner:         rule.Owner,
		FailureStreak: rule.FailureStreak + 1,
		OccurredAt:    time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("rule_id", rule.ID))
	}
}
