// Package restserver exposes the narrow submission and read model API used
// by the integration token and UI layers.
package restserver

import (
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// Register installs a handler group on the engine
type Register interface {
	Register(r *gin.Engine)
}

// NewEngine builds the gin engine with logging and metrics middleware
func NewEngine(logger *zap.Logger, enableMetrics bool, registers ...Register) *gin.Engine {
	if logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(logger, true))
	if enableMetrics {
		p := ginprometheus.NewPrometheus("gin")
		p.Use(r)
	}
	for _, reg := range registers {
		reg.Register(r)
	}
	return r
}
