package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"PSync/logger"
	mid "PSync/middleware"
	midsec "PSync/middleware/security"
	"PSync/module/updatelog"
)

// CompactRequest 触发一次保留压缩：丢掉 seq <= throughSeq 的历史。
// 保留策略本身（留多少天/多少行）在运维侧，这里只执行。
type CompactRequest struct {
	Bucket     int32 `json:"bucket"`
	EntityID   int64 `json:"entityId"`
	ThroughSeq int32 `json:"throughSeq"`
}

// AdminRoutes 管理接口，令牌与 ws 握手同一套 JWT。
func (s *Server) AdminRoutes(r *gin.Engine) {
	opt := mid.RouteOpt{IsAuth: true, Verify: midsec.VerifyFunc(s.verify)}
	mid.POST(r, "/admin/compact", s.handleCompact, opt)
}

func (s *Server) handleCompact(c *gin.Context) {
	var req CompactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bucket := updatelog.Bucket(req.Bucket)
	if !bucket.Valid() || req.EntityID <= 0 || req.ThroughSeq < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad compact request"})
		return
	}
	if err := s.store.Compact(c.Request.Context(), bucket, req.EntityID, req.ThroughSeq); err != nil {
		logger.Errorf("[Admin] compact %s/%d through=%d err=%v", bucket, req.EntityID, req.ThroughSeq, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "compact failed"})
		return
	}
	logger.Infof("[Admin] compacted %s/%d through=%d", bucket, req.EntityID, req.ThroughSeq)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
