// 文件: pkg/api/errors.go
// 错误 -> HTTP 状态码

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"max.com/perpcore/pkg/config"
	"max.com/perpcore/pkg/futures"
	"max.com/perpcore/pkg/num"
	"max.com/perpcore/pkg/oracle"
)

var errBadRequest = errors.New("bad request")

var statusTable = []struct {
	status int
	errs   []error
}{
	{http.StatusBadRequest, []error{
		errBadRequest, num.ErrBadDecimal, config.ErrUnknownKey,
		futures.ErrInvalidAmount, futures.ErrInvalidSize, futures.ErrInvalidPrice,
		futures.ErrInvalidExpiry, futures.ErrInvalidAccount, futures.ErrKeeperFeeTooLow,
		futures.ErrUnsupportedToken, futures.ErrUnsupportedAsset, futures.ErrInvalidToken,
		futures.ErrPriceUpdateBlocked, oracle.ErrInvalidPrice,
	}},
	{http.StatusNotFound, []error{futures.ErrOrderNotFound, futures.ErrNoPosition}},
	{http.StatusForbidden, []error{futures.ErrNotOrderOwner}},
	{http.StatusConflict, []error{
		futures.ErrTokenExists, futures.ErrAssetExists, futures.ErrOpenInterest,
		futures.ErrOrderNotPending, futures.ErrOrderNotReady, futures.ErrOrderExpired,
		futures.ErrOrderNotExpired, futures.ErrPriceBoundViolated,
	}},
	{http.StatusServiceUnavailable, []error{oracle.ErrNoPrice, oracle.ErrStalePrice, oracle.ErrPriceDivergence}},
}

// statusOf 未列出的错误 (经济限制、清算条件) 一律 422
func statusOf(err error) int {
	for _, row := range statusTable {
		for _, e := range row.errs {
			if errors.Is(err, e) {
				return row.status
			}
		}
	}
	return http.StatusUnprocessableEntity
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: err.Error()})
}
