package restserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/complab-ci/complab/grading"
	"github.com/complab-ci/complab/model"
	"github.com/complab-ci/complab/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Grader evaluates the per category scores of a team
type Grader interface {
	Grades(ctx context.Context, team model.Team) ([]grading.Grade, error)
}

type gradeHandle struct {
	grader Grader
	teams  TeamLookup
	logger *zap.Logger
}

// NewGradeHandle creates the grade read endpoints
func NewGradeHandle(grader Grader, teams TeamLookup, logger *zap.Logger) Register {
	return &gradeHandle{grader: grader, teams: teams, logger: logger}
}

func (h *gradeHandle) Register(r *gin.Engine) {
	r.GET("/teams/:name/grades", h.handleGrades)
}

func (h *gradeHandle) handleGrades(ctx *gin.Context) {
	team, err := h.teams.TeamByName(ctx.Request.Context(), ctx.Param("name"))
	if errors.Is(err, store.ErrNotFound) {
		ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown team"})
		return
	}
	if err != nil {
		ctx.Error(err)
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	grades, err := h.grader.Grades(ctx.Request.Context(), *team)
	if err != nil {
		ctx.Error(err)
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"team": team.Name, "grades": grades})
}
