package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// exportDEP assembles the audit export for a period. With ?push=true the
// export is additionally uploaded to the configured off-site archive; a push
// failure is reported but does not invalidate the export itself.
func (s *Server) exportDEP(c *gin.Context) {
	registerID := c.Param("cash_register_id")
	c.Set("cash_register_id", registerID)

	from, to, err := parsePeriod(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	export, err := s.depExporter.Export(c.Request.Context(), registerID, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pushed := false
	var pushError string
	if c.Query("push") == "true" && s.depPusher != nil {
		if err := s.depPusher.Push(c.Request.Context(), export); err != nil {
			s.log.Warn("dep archive push failed",
				zap.String("cash_register_id", registerID), zap.Error(err))
			pushError = err.Error()
		} else {
			pushed = true
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"export":     export,
		"pushed":     pushed,
		"push_error": pushError,
	})
}

func parsePeriod(c *gin.Context) (time.Time, time.Time, error) {
	fromRaw := c.Query("from")
	toRaw := c.Query("to")
	if fromRaw == "" || toRaw == "" {
		return time.Time{}, time.Time{}, ErrInvalidRequest
	}
	from, err := time.Parse(time.RFC3339, fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, ErrInvalidRequest
	}
	to, err := time.Parse(time.RFC3339, toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, ErrInvalidRequest
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, ErrInvalidRequest
	}
	return from, to, nil
}
