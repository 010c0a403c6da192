package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: http.StatusOK,
		Msg:  "ok",
		Data: data,
	})
}

// ServiceUnavailable 依赖未就绪（503）
func ServiceUnavailable(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusServiceUnavailable, Response{
		Code: http.StatusServiceUnavailable,
		Msg:  msg,
		Data: data,
	})
}

// NotFound 资源不存在（404）
func NotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, Response{Code: http.StatusNotFound, Msg: msg})
}

// InternalError 服务端错误（500）
func InternalError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, Response{Code: http.StatusInternalServerError, Msg: msg})
}
