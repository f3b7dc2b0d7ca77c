package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AutoSwap-Chain/internal/automation"
	xerrors "AutoSwap-Chain/internal/errors"
	"AutoSwap-Chain/internal/ledger"
	"AutoSwap-Chain/internal/recurrence"
	"AutoSwap-Chain/internal/session"
	"AutoSwap-Chain/internal/vault"
)

const (
	testOwner     = "0x49c4f4b258b715a4d50e6642f325946e62a6b7ba"
	testDelegator = "0x8a4131a7197fe6fdf638914b8a2d90f7b7198c83"
	testKey       = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

type env struct {
	rules    *automation.MemoryStore
	sessions *session.Service
	records  *ledger.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	v, err := vault.New([]byte(strings.Repeat("k", vault.KeySize)))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return &env{
		rules:    automation.NewMemoryStore(),
		sessions: session.NewService(session.NewMemoryStore(), v),
		records:  ledger.NewMemoryStore(),
	}
}

func (e *env) mintCredential(t *testing.T, validUntil int64) string {
	t.Helper()
	view, err := e.sessions.Mint(context.Background(), session.MintRequest{
		Owner:      testOwner,
		Delegator:  testDelegator,
		PrivateKey: testKey,
		ValidUntil: validUntil,
		Actions:    []string{"swap", "bridge"},
	})
	if err != nil {
		t.Fatalf("mint credential: %v", err)
	}
	return view.ID
}

func (e *env) seedRule(t *testing.T, id, credentialID string, next int64) *automation.Rule {
	t.Helper()
	rule := &automation.Rule{
		ID:            id,
		Owner:         testOwner,
		CredentialID:  credentialID,
		FromToken:     "USDC",
		ToToken:       "WETH",
		Amount:        "10",
		Frequency:     recurrence.Daily,
		NextExecution: next,
		Active:        true,
	}
	if err := e.rules.Create(context.Background(), rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	return rule
}

func (e *env) scheduler(executor Executor, opts ...Option) *Scheduler {
	return New(e.rules, e.sessions, e.records, NewMemoryQueue(8), executor, opts...)
}

func singleRecord(t *testing.T, e *env) *ledger.Record {
	t.Helper()
	records, err := e.records.ListByOwner(context.Background(), testOwner, 0)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	return records[0]
}

func TestExecutionSuccessAdvancesFromScheduledInstant(t *testing.T) {
	e := newEnv(t)
	credentialID := e.mintCredential(t, time.Now().Add(time.Hour).Unix())
	scheduled := time.Now().Add(-30 * time.Minute).Unix()
	rule := e.seedRule(t, "rule-1", credentialID, scheduled)

	var gotKey string
	executor := ExecutorFunc(func(_ context.Context, req ExecutionRequest) (*ExecutionResult, error) {
		gotKey = req.SessionKey
		return &ExecutionResult{TxHash: "0xabc"}, nil
	})
	s := e.scheduler(executor)

	if err := s.handle(context.Background(), rule.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if gotKey != testKey {
		t.Fatalf("executor did not receive decrypted session key")
	}

	record := singleRecord(t, e)
	if record.Status != ledger.StatusSuccess {
		t.Fatalf("record status = %s", record.Status)
	}
	if record.TxHash != "0xabc" {
		t.Fatalf("record tx hash = %q", record.TxHash)
	}

	got, _ := e.rules.Get(context.Background(), rule.ID)
	want := scheduled + 24*3600
	if got.NextExecution != want {
		t.Fatalf("next execution = %d, want scheduled + 24h = %d", got.NextExecution, want)
	}
	if got.FailureStreak != 0 {
		t.Fatalf("failure streak should stay 0")
	}
}

func TestExecutionFailureLeavesScheduleUnchanged(t *testing.T) {
	e := newEnv(t)
	credentialID := e.mintCredential(t, time.Now().Add(time.Hour).Unix())
	scheduled := time.Now().Add(-time.Minute).Unix()
	rule := e.seedRule(t, "rule-1", credentialID, scheduled)

	executor := ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		return nil, xerrors.New(xerrors.CodeChain, "router reverted")
	})
	s := e.scheduler(executor)

	if err := s.handle(context.Background(), rule.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	record := singleRecord(t, e)
	if record.Status != ledger.StatusFailed {
		t.Fatalf("record status = %s", record.Status)
	}
	if !strings.Contains(record.Detail, "router reverted") {
		t.Fatalf("record detail = %q", record.Detail)
	}

	got, _ := e.rules.Get(context.Background(), rule.ID)
	if got.NextExecution != scheduled {
		t.Fatalf("failed rule must keep its scheduled instant")
	}
	if got.FailureStreak != 1 {
		t.Fatalf("failure streak = %d, want 1", got.FailureStreak)
	}
	if got.LastFailureAt == 0 {
		t.Fatalf("last failure timestamp not recorded")
	}
}

func TestExpiredCredentialFailsWithoutAdvance(t *testing.T) {
	e := newEnv(t)
	credentialID := e.mintCredential(t, time.Now().Add(-time.Minute).Unix())
	scheduled := time.Now().Add(-time.Minute).Unix()
	rule := e.seedRule(t, "rule-1", credentialID, scheduled)

	called := false
	executor := ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		called = true
		return &ExecutionResult{}, nil
	})
	s := e.scheduler(executor)

	if err := s.handle(context.Background(), rule.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if called {
		t.Fatalf("executor must not run with expired credential")
	}

	record := singleRecord(t, e)
	if record.Status != ledger.StatusFailed {
		t.Fatalf("record status = %s", record.Status)
	}
	if record.Detail != "session credential expired" {
		t.Fatalf("record detail = %q", record.Detail)
	}

	got, _ := e.rules.Get(context.Background(), rule.ID)
	if got.NextExecution != scheduled {
		t.Fatalf("expired credential must not advance the schedule")
	}
}

func TestInactiveRuleSkipped(t *testing.T) {
	e := newEnv(t)
	credentialID := e.mintCredential(t, time.Now().Add(time.Hour).Unix())
	rule := e.seedRule(t, "rule-1", credentialID, time.Now().Add(-time.Minute).Unix())
	if err := e.rules.Deactivate(context.Background(), rule.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	executor := ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		t.Fatalf("executor must not run for inactive rule")
		return nil, nil
	})
	s := e.scheduler(executor)

	if err := s.handle(context.Background(), rule.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	records, _ := e.records.ListByOwner(context.Background(), testOwner, 0)
	if len(records) != 0 {
		t.Fatalf("inactive rule must not produce records")
	}
}

func TestRunRuleBypassesDueCheck(t *testing.T) {
	e := newEnv(t)
	credentialID := e.mintCredential(t, time.Now().Add(time.Hour).Unix())
	future := time.Now().Add(10 * time.Hour).Unix()
	rule := e.seedRule(t, "rule-1", credentialID, future)

	executor := ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{TxHash: "0xdef"}, nil
	})
	s := e.scheduler(executor)

	if err := s.RunRule(context.Background(), rule.ID); err != nil {
		t.Fatalf("run rule: %v", err)
	}

	record := singleRecord(t, e)
	if record.Status != ledger.StatusSuccess {
		t.Fatalf("record status = %s", record.Status)
	}

	// 提前的手动触发不得改写原有调度锚点。
	got, _ := e.rules.Get(context.Background(), rule.ID)
	if got.NextExecution != future {
		t.Fatalf("manual run moved the schedule: %d, want %d", got.NextExecution, future)
	}
}

func TestRunRuleOnDueRuleAdvancesFromScheduledInstant(t *testing.T) {
	e := newEnv(t)
	credentialID := e.mintCredential(t, time.Now().Add(time.Hour).Unix())
	scheduled := time.Now().Add(-30 * time.Minute).Unix()
	rule := e.seedRule(t, "rule-1", credentialID, scheduled)

	executor := ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{TxHash: "0xdef"}, nil
	})
	s := e.scheduler(executor)

	if err := s.RunRule(context.Background(), rule.ID); err != nil {
		t.Fatalf("run rule: %v", err)
	}

	got, _ := e.rules.Get(context.Background(), rule.ID)
	if got.NextExecution != scheduled+24*3600 {
		t.Fatalf("next execution = %d, want scheduled + 24h = %d", got.NextExecution, scheduled+24*3600)
	}
}

func TestPerWalletSerialization(t *testing.T) {
	e := newEnv(t)
	credentialID := e.mintCredential(t, time.Now().Add(time.Hour).Unix())
	scheduled := time.Now().Add(-time.Minute).Unix()
	ruleA := e.seedRule(t, "rule-a", credentialID, scheduled)
	ruleB := e.seedRule(t, "rule-b", credentialID, scheduled)

	var active, peak int32
	executor := ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return &ExecutionResult{}, nil
	})
	s := e.scheduler(executor)

	var wg sync.WaitGroup
	for _, id := range []string{ruleA.ID, ruleB.ID} {
		wg.Add(1)
		go func(ruleID string) {
			defer wg.Done()
			if err := s.handle(context.Background(), ruleID); err != nil {
				t.Errorf("handle %s: %v", ruleID, err)
			}
		}(id)
	}
	wg.Wait()

	if peak != 1 {
		t.Fatalf("same-wallet rules ran concurrently, peak = %d", peak)
	}
}

func TestRunRuleRejectsConcurrentTrigger(t *testing.T) {
	e := newEnv(t)
	credentialID := e.mintCredential(t, time.Now().Add(time.Hour).Unix())
	rule := e.seedRule(t, "rule-1", credentialID, time.Now().Add(-time.Minute).Unix())

	started := make(chan struct{})
	release := make(chan struct{})
	executor := ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		close(started)
		<-release
		return &ExecutionResult{}, nil
	})
	s := e.scheduler(executor)

	done := make(chan error, 1)
	go func() {
		done <- s.RunRule(context.Background(), rule.ID)
	}()
	<-started

	err := s.RunRule(context.Background(), rule.ID)
	if err == nil {
		t.Fatalf("expected conflict while rule is in flight")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeConflict {
		t.Fatalf("unexpected code %s", code)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestBackoffGate(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{}, nil
	}), WithFailureBackoff(10*time.Minute))

	now := time.Now()
	fresh := &automation.Rule{ID: "r", FailureStreak: 1, LastFailureAt: now.Add(-time.Minute).Unix()}
	if s.pastBackoff(fresh, now) {
		t.Fatalf("rule inside backoff window should wait")
	}

	aged := &automation.Rule{ID: "r", FailureStreak: 1, LastFailureAt: now.Add(-11 * time.Minute).Unix()}
	if !s.pastBackoff(aged, now) {
		t.Fatalf("rule past backoff window should run")
	}

	// 连续失败两次后窗口翻倍
	twice := &automation.Rule{ID: "r", FailureStreak: 2, LastFailureAt: now.Add(-11 * time.Minute).Unix()}
	if s.pastBackoff(twice, now) {
		t.Fatalf("second failure should double the wait")
	}

	noBackoff := e.scheduler(ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{}, nil
	}))
	if !noBackoff.pastBackoff(fresh, now) {
		t.Fatalf("zero backoff keeps hot retry semantics")
	}
}

func TestCatchUpSkipsMissedPeriods(t *testing.T) {
	e := newEnv(t)
	credentialID := e.mintCredential(t, time.Now().Add(time.Hour).Unix())
	// 三天前到期的规则，补跑一次后应直接排到未来。
	scheduled := time.Now().Add(-72 * time.Hour).Add(-time.Minute).Unix()
	rule := e.seedRule(t, "rule-1", credentialID, scheduled)

	executor := ExecutorFunc(func(context.Context, ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{}, nil
	})
	s := e.scheduler(executor)

	if err := s.handle(context.Background(), rule.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := e.rules.Get(context.Background(), rule.ID)
	if got.NextExecution <= time.Now().Unix() {
		t.Fatalf("catch-up must land in the future, got %d", got.NextExecution)
	}
	// 锚点仍然是计划时刻：与原计划相差整数个周期。
	if (got.NextExecution-scheduled)%(24*3600) != 0 {
		t.Fatalf("catch-up must stay aligned to the original anchor")
	}
}
