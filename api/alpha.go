package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"wq_miner/internal/constant"
	"wq_miner/internal/model"
	"wq_miner/internal/viewer"
)

// AlphaReader is the read side of the alpha table.
type AlphaReader interface {
	FindPending(ctx context.Context, minSharpe float64, limit int) ([]model.Alpha, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
}

func Hello(ctx *gin.Context) {

	ctx.JSON(http.StatusOK, "Hello")
}

// PendingAlphas lists alphas waiting for the correlation check, best sharpe first.
func (h *Handler) PendingAlphas(ctx *gin.Context) {
	limit, err := queryInt(ctx, "limit", 100)
	if err != nil || limit < 0 {
		ctx.JSON(http.StatusBadRequest, PendingAlphaResp{Message: "Bad Params limit"})
		return
	}
	minSharpe := 0.0
	if s := ctx.Query("min_sharpe"); s != "" {
		minSharpe, err = strconv.ParseFloat(s, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, PendingAlphaResp{Message: "Bad Params min_sharpe"})
			return
		}
	}

	count, err := h.alphas.CountByStatus(ctx.Request.Context(), constant.AlphaPending)
	if err != nil {
		log.Error(err.Error())
		ctx.JSON(http.StatusBadGateway, PendingAlphaResp{Message: "Server Error"})
		return
	}
	alphas, err := h.alphas.FindPending(ctx.Request.Context(), minSharpe, limit)
	if err != nil {
		log.Error(err.Error())
		ctx.JSON(http.StatusBadGateway, PendingAlphaResp{Message: "Server Error"})
		return
	}
	ctx.JSON(http.StatusOK, PendingAlphaResp{
		Message: "Success",
		Count:   count,
		Alphas:  viewer.NewAlphaList(alphas),
	})
}

func queryInt(ctx *gin.Context, key string, fallback int) (int, error) {
	s := ctx.Query(key)
	if s == "" {
		return fallback, nil
	}
	return strconv.Atoi(s)
}
