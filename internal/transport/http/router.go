package httptransport

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ballance/enron/internal/cas"
	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/health"
	"github.com/ballance/enron/internal/middleware"
	"github.com/ballance/enron/internal/monitoring"
)

// StatsProvider 返回当前运行的统计快照
type StatsProvider func() domain.RunStatistics

// StorageStatsProvider 返回附件目录的占用情况
type StorageStatsProvider func() (map[string]interface{}, error)

// BlobReader 按摘要读取 CAS 中的载荷，摘要不存在时返回 cas.ErrNotFound
type BlobReader func(digest domain.Digest) ([]byte, error)

// RouterDependencies 运维路由依赖
type RouterDependencies struct {
	Metrics *monitoring.Metrics
	Health  *health.Checker
	Stats   StatsProvider
	Storage StorageStatsProvider
	Blobs   BlobReader
	Logger  *zap.Logger
}

// NewRouter 创建运维端口路由：指标、存活/就绪探针和运行进度
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(mm.PanicRecovery())
	router.Use(mm.HTTPMetrics())
	router.Use(mm.RequestLogger())

	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	if deps.Health != nil {
		probe := gin.WrapH(deps.Health.Handler())
		router.GET("/live", probe)
		router.GET("/ready", probe)
		router.GET("/health", healthSummary(deps.Health))
	}

	if deps.Stats != nil {
		router.GET("/stats", func(c *gin.Context) {
			Success(c, deps.Stats())
		})
	}

	if deps.Storage != nil {
		router.GET("/storage", func(c *gin.Context) {
			stats, err := deps.Storage()
			if err != nil {
				ServiceUnavailable(c, err.Error(), nil)
				return
			}
			Success(c, stats)
		})
	}

	if deps.Blobs != nil {
		router.GET("/blobs/:digest", blobHandler(deps.Blobs))
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, Response{Code: http.StatusNotFound, Msg: "not found"})
	})

	return router
}

// blobHandler 返回已存储附件的原始字节，用于核对导出记录中的摘要
func blobHandler(read BlobReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		digest := domain.Digest(strings.ToLower(c.Param("digest")))
		data, err := read(digest)
		if errors.Is(err, cas.ErrNotFound) {
			NotFound(c, "blob not found")
			return
		}
		if err != nil {
			InternalError(c, err.Error())
			return
		}
		c.Header("ETag", `"`+digest.String()+`"`)
		c.Data(http.StatusOK, "application/octet-stream", data)
	}
}

type checkResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// healthSummary 以 JSON 列出每项检查的结果
func healthSummary(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		results := checker.Results()
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)

		healthy := true
		out := make([]checkResult, 0, len(names))
		for _, name := range names {
			r := checkResult{Name: name, OK: results[name] == nil}
			if !r.OK {
				healthy = false
				r.Error = results[name].Error()
			}
			out = append(out, r)
		}

		if !healthy {
			ServiceUnavailable(c, "unhealthy", out)
			return
		}
		Success(c, out)
	}
}
