package repo

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"snowlink.local/internal/app/shortlink"
)

// classify 把驱动错误归到领域错误上，决定管道是否重试。
//
// - SQLSTATE 22xxx（数据异常）/ 23xxx（约束冲突）：重试也不会成功，fatal
// - 其它（连接断开、超时、序列化失败、库暂时不可用）：transient
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shortlink.ErrPersistenceFatal) || errors.Is(err, shortlink.ErrPersistenceTransient) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return fmt.Errorf("%w: %w", shortlink.ErrPersistenceFatal, err)
		}
	}
	return fmt.Errorf("%w: %w", shortlink.ErrPersistenceTransient, err)
}
