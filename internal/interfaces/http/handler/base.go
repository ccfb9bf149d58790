package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"fable-weaver-api/internal/interfaces/http/dto"
	"fable-weaver-api/pkg/errors"
	"fable-weaver-api/pkg/logger"
)

// respondError 统一错误出口：AppError 按其状态码返回，其余一律 500
func respondError(c *gin.Context, ctx context.Context, err error, fallback string) {
	if errors.IsAppError(err) {
		appErr := errors.AsAppError(err)
		c.JSON(appErr.HTTPStatus, dto.ErrorResponse{
			Code:    appErr.HTTPStatus,
			Message: appErr.Message,
			Detail:  appErr.Detail,
			TraceID: c.GetString("trace_id"),
		})
		return
	}
	logger.Error(ctx, fallback, err)
	dto.InternalError(c, fallback)
}
