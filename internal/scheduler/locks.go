package scheduler

import "sync"

// walletLocks 按钱包地址串行化执行：同一个钱包的规则共享链上
// nonce，并发广播会互相顶替。
type walletLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newWalletLocks() *walletLocks {
	return &walletLocks{locks: make(map[string]*sync.Mutex)}
}

func (w *walletLocks) lock(wallet string) func() {
	w.mu.Lock()
	lock, ok := w.locks[wallet]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[wallet] = lock
	}
	w.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
