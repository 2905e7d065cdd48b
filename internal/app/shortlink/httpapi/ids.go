package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"snowlink.local/internal/app/idgen"
	"snowlink.local/internal/platform/httpmiddleware"
)

// IDIssuer 生产实现是 *idgen.Pool。
type IDIssuer interface {
	NextID() (int64, error)
}

type IDResponse struct {
	ID        int64     `json:"id"`
	IDString  string    `json:"id_str"` // JS 的 number 放不下 63 位整数
	Timestamp time.Time `json:"timestamp"`
	WorkerID  int64     `json:"worker_id"`
	Sequence  int64     `json:"sequence"`
}

// NewIDHandler 直接对外发号，调用方自己决定怎么用这个 ID。
func NewIDHandler(ids IDIssuer, epoch time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := ids.NextID()
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		p := idgen.Decompose(id)
		httpmiddleware.WriteJSON(w, http.StatusOK, IDResponse{
			ID:        id,
			IDString:  strconv.FormatInt(id, 10),
			Timestamp: p.Time(epoch).UTC(),
			WorkerID:  p.WorkerID,
			Sequence:  p.Sequence,
		})
	}
}

// WorkerPool 生产实现也是 *idgen.Pool。
type WorkerPool interface {
	Size() int
	WorkerIDs() []int64
}

type WorkersResponse struct {
	InstanceID string  `json:"instance_id"`
	PoolSize   int     `json:"pool_size"`
	WorkerIDs  []int64 `json:"worker_ids"`
}

// NewWorkersHandler 返回本实例持有的 worker 槽位。
func NewWorkersHandler(instanceID string, pool WorkerPool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpmiddleware.WriteJSON(w, http.StatusOK, WorkersResponse{
			InstanceID: instanceID,
			PoolSize:   pool.Size(),
			WorkerIDs:  pool.WorkerIDs(),
		})
	}
}
