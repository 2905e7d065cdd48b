package workerlease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"snowlink.local/internal/platform/metrics"
)

type Status string

const (
	StatusIdle   Status = "IDLE"
	StatusActive Status = "ACTIVE"

	// OwnerNone 是空闲槽位的 owner_name。
	OwnerNone = "NONE"
)

// Slot 是 worker 槽位表的一行。
//
// 生命周期：
// - 部署时一次性写入 0..N-1，全部 IDLE
// - 实例启动时 IDLE -> ACTIVE（owner_name = 实例 ID）
// - 实例存活期间心跳刷新 updated_at
// - 实例崩溃后心跳停止，超过阈值被 CleanseIdle 收回为 IDLE
type Slot struct {
	WorkerNum int64     `json:"worker_num"`
	OwnerName string    `json:"owner_name"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InsufficientCapacityError 表示空闲槽位不够，本次分配已整体回滚。
type InsufficientCapacityError struct {
	Requested int
	Available int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("worker lease: requested %d slots, only %d idle", e.Requested, e.Available)
}

var ErrInvalidCount = errors.New("worker lease: count must be > 0")

// Store 是槽位表的存储端口。
//
// Claim 必须是原子的“认领 N 个空闲行”：要么全部变成 ACTIVE，要么一行都不动，
// 且两个并发的 Claim 不能拿到同一行。pgx 用 SELECT ... FOR UPDATE，SQLite 靠单写者。
type Store interface {
	Claim(ctx context.Context, owner string, count int, now time.Time) ([]int64, error)
	Touch(ctx context.Context, workerNum int64, now time.Time) (bool, error)
	TouchOwned(ctx context.Context, workerNum int64, owner string, now time.Time) (bool, error)
	ReleaseStale(ctx context.Context, before, now time.Time) ([]int64, error)
	ReleaseOwner(ctx context.Context, owner string, now time.Time) (int, error)
	List(ctx context.Context) ([]Slot, error)
	Seed(ctx context.Context, size int, now time.Time) (int, error)
}

// Manager 负责 worker 槽位的分配、心跳和回收。
//
// 设计原因：
// - 跨实例唯一性的唯一协调点就是这张表上的事务，其它组件都只在本进程内
// - now 可注入，回收逻辑可以用固定时间测试
type Manager struct {
	store Store
	now   func() time.Time
}

type Option func(*Manager)

func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allocate 为实例认领 count 个槽位。失败时返回 *InsufficientCapacityError，实例不应继续启动。
func (m *Manager) Allocate(ctx context.Context, instanceID string, count int) ([]int64, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	nums, err := m.store.Claim(ctx, instanceID, count, m.now())
	if err != nil {
		return nil, err
	}
	slog.Info("worker slots allocated", "instance", instanceID, "workers", nums)
	return nums, nil
}

// Heartbeat 刷新槽位的 updated_at。返回 false 表示槽位已经不属于任何存活实例（已被回收）。
// 不校验持有者，给运维接口用；实例自己的心跳走 HeartbeatOwned。
func (m *Manager) Heartbeat(ctx context.Context, workerNum int64) (bool, error) {
	ok, err := m.store.Touch(ctx, workerNum, m.now())
	recordHeartbeat(ok, err)
	return ok, err
}

// HeartbeatOwned 只在槽位仍归 owner 所有时刷新。
// 槽位被回收后又分给了别的实例，这里也会返回 false。
func (m *Manager) HeartbeatOwned(ctx context.Context, owner string, workerNum int64) (bool, error) {
	ok, err := m.store.TouchOwned(ctx, workerNum, owner, m.now())
	recordHeartbeat(ok, err)
	return ok, err
}

func recordHeartbeat(ok bool, err error) {
	switch {
	case err != nil:
		metrics.WorkerHeartbeats.WithLabelValues("error").Inc()
	case ok:
		metrics.WorkerHeartbeats.WithLabelValues("ok").Inc()
	default:
		metrics.WorkerHeartbeats.WithLabelValues("lost").Inc()
	}
}

// CleanseIdle 把超过 staleAfter 没有心跳的 ACTIVE 槽位收回为 IDLE。
func (m *Manager) CleanseIdle(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := m.now()
	nums, err := m.store.ReleaseStale(ctx, now.Add(-staleAfter), now)
	if err != nil {
		return 0, err
	}
	if len(nums) > 0 {
		metrics.WorkerSlotsReclaimed.Add(float64(len(nums)))
		slog.Warn("stale worker slots reclaimed", "workers", nums, "stale_after", staleAfter)
	}
	return len(nums), nil
}

// Release 实例正常退出时归还自己的槽位，不用等回收任务。
func (m *Manager) Release(ctx context.Context, instanceID string) (int, error) {
	n, err := m.store.ReleaseOwner(ctx, instanceID, m.now())
	if err != nil {
		return 0, err
	}
	slog.Info("worker slots released", "instance", instanceID, "count", n)
	return n, nil
}

func (m *Manager) Slots(ctx context.Context) ([]Slot, error) {
	return m.store.List(ctx)
}

// Seed 初始化 0..size-1 号槽位，已存在的行保持不变。
func (m *Manager) Seed(ctx context.Context, size int) (int, error) {
	if size <= 0 || size > 1024 {
		return 0, fmt.Errorf("worker lease: pool size must be in [1,1024], got %d", size)
	}
	return m.store.Seed(ctx, size, m.now())
}

// RunHeartbeat 周期性以 owner 身份刷新 workerNums 的心跳，直到 ctx 结束。
//
// 心跳返回 false 说明槽位已被回收、可能已分给别的实例：继续用它发号会产生重复 ID，
// 这里只能记最高级别日志交给人工处理。
func (m *Manager) RunHeartbeat(ctx context.Context, owner string, workerNums []int64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.HeartbeatAll(ctx, owner, workerNums)
		}
	}
}

// HeartbeatAll 刷新一轮心跳，返回已经不归 owner 的槽位。
func (m *Manager) HeartbeatAll(ctx context.Context, owner string, workerNums []int64) []int64 {
	var lost []int64
	for _, n := range workerNums {
		hbCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		ok, err := m.HeartbeatOwned(hbCtx, owner, n)
		cancel()
		if err != nil {
			slog.Error("worker heartbeat failed", "worker_id", n, "err", err)
			continue
		}
		if !ok {
			lost = append(lost, n)
			slog.Error("worker slot lost, ids from this worker may collide", "worker_id", n, "owner", owner, "severity", "CRITICAL")
		}
	}
	return lost
}

// NewInstanceID 生成实例标识：主机名 + "-" + uuid。
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()
}
