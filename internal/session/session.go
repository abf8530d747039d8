// Package session 维护进程内回复会话状态。
//
// 两个构件:
//   - Registry: 在途投递句柄表，本地取消的入口 (同进程新输入直接关停在途回复)
//   - Locks: 按用户串行化锁，保证同一用户的回复处理不交叠
package session

import "sync"

// Canceller 在途投递的取消句柄。
type Canceller interface{ Cancel() }

// ========================================
// Registry
// ========================================

// Registry 进程内在途回复注册表。每用户至多一个句柄，后登记者顶替。
// 句柄由登记方负责注销: Cancel 只发信号，不清表。
type Registry struct {
	mu   sync.Mutex
	live map[int64]Canceller
}

// NewRegistry 创建注册表。
func NewRegistry() *Registry { return &Registry{live: map[int64]Canceller{}} }

// Put 登记在途句柄，返回被顶替的旧句柄 (nil 表示此前无在途投递)。
func (r *Registry) Put(userID int64, c Canceller) Canceller {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.live[userID]
	r.live[userID] = c
	return old
}

// Cancel 取消该用户的在途投递，返回是否存在本地句柄。
func (r *Registry) Cancel(userID int64) bool {
	r.mu.Lock()
	c := r.live[userID]
	r.mu.Unlock()
	if c == nil {
		return false
	}
	c.Cancel()
	return true
}

// Remove 注销句柄。仅当表内仍是同一实例时移除，防止误删后继登记。
func (r *Registry) Remove(userID int64, c Canceller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[userID] == c {
		delete(r.live, userID)
	}
}

// Active 返回在途投递数。
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// ========================================
// Locks
// ========================================

// Locks 按用户惰性创建串行化锁，进程生命周期内复用。
type Locks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewLocks 创建锁表。
func NewLocks() *Locks { return &Locks{locks: map[int64]*sync.Mutex{}} }

// For 返回该用户的串行化锁。
func (l *Locks) For(userID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock := l.locks[userID]
	if lock == nil {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}
