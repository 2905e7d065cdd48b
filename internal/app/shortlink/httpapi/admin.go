package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"snowlink.local/internal/app/shortlink"
	"snowlink.local/internal/app/shortlink/pipeline"
	"snowlink.local/internal/app/workerlease"
	"snowlink.local/internal/platform/httpmiddleware"
)

// WorkerSlots 生产实现是 *workerlease.Manager。
type WorkerSlots interface {
	CleanseIdle(ctx context.Context, staleAfter time.Duration) (int, error)
	Heartbeat(ctx context.Context, workerNum int64) (bool, error)
	Slots(ctx context.Context) ([]workerlease.Slot, error)
}

// DeadLetters 只读查询，生产实现是 FailedEventsRepo。
type DeadLetters interface {
	FindByStatus(ctx context.Context, status shortlink.FailedStatus, limit int) ([]shortlink.FailedEvent, error)
}

// DLQRetrier 生产实现是 *pipeline.Retrier，和定时任务共用一个实例，重入由它自己挡住。
type DLQRetrier interface {
	Run(ctx context.Context) (pipeline.RetryResult, error)
}

func NewCleanseHandler(slots WorkerSlots, staleAfter time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := slots.CleanseIdle(r.Context(), staleAfter)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		httpmiddleware.WriteJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
	}
}

// NewHeartbeatHandler 手动续约一个槽位；槽位已不是 ACTIVE 时返回 409。
func NewHeartbeatHandler(slots WorkerSlots) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		num, err := strconv.ParseInt(chi.URLParam(r, "num"), 10, 64)
		if err != nil || num < 0 {
			httpmiddleware.WriteError(w, r, http.StatusBadRequest, "invalid worker number")
			return
		}
		ok, err := slots.Heartbeat(r.Context(), num)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if !ok {
			httpmiddleware.WriteError(w, r, http.StatusConflict, "worker slot is not active")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func NewListSlotsHandler(slots WorkerSlots) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := slots.Slots(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		httpmiddleware.WriteJSON(w, http.StatusOK, list)
	}
}

const (
	defaultDLQLimit = 100
	maxDLQLimit     = 1000
)

// NewListDLQHandler GET /admin/dlq?status=PENDING&limit=100
func NewListDLQHandler(dlq DeadLetters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := shortlink.FailedPending
		if raw := r.URL.Query().Get("status"); raw != "" {
			st, ok := shortlink.ParseFailedStatus(raw)
			if !ok {
				httpmiddleware.WriteError(w, r, http.StatusBadRequest, "invalid status")
				return
			}
			status = st
		}
		limit := defaultDLQLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpmiddleware.WriteError(w, r, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, maxDLQLimit)
		}

		events, err := dlq.FindByStatus(r.Context(), status, limit)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if events == nil {
			events = []shortlink.FailedEvent{}
		}
		httpmiddleware.WriteJSON(w, http.StatusOK, events)
	}
}

// NewRetryDLQHandler 立即跑一轮死信补偿。上一轮还没结束时返回 409。
func NewRetryDLQHandler(retrier DLQRetrier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := retrier.Run(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if res.Skipped {
			httpmiddleware.WriteError(w, r, http.StatusConflict, "retry already running")
			return
		}
		httpmiddleware.WriteJSON(w, http.StatusOK, res)
	}
}
