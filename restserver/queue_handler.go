package restserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/complab-ci/complab/model"
	"github.com/complab-ci/complab/queue"
	"github.com/complab-ci/complab/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Submitter accepts and withdraws submissions
type Submitter interface {
	Enqueue(ctx context.Context, team, revision, commitMessage string) (*model.QueueItem, error)
	Withdraw(ctx context.Context, id string) error
}

// TeamLookup resolves teams for bearer token checks
type TeamLookup interface {
	TeamByName(ctx context.Context, name string) (*model.Team, error)
}

type queueHandle struct {
	submitter Submitter
	teams     TeamLookup
	logger    *zap.Logger
}

// NewQueueHandle creates the submission endpoints
func NewQueueHandle(submitter Submitter, teams TeamLookup, logger *zap.Logger) Register {
	return &queueHandle{submitter: submitter, teams: teams, logger: logger}
}

func (h *queueHandle) Register(r *gin.Engine) {
	r.POST("/enqueue", h.handleEnqueue)
	r.DELETE("/queue/:id", h.handleWithdraw)
}

type enqueueRequest struct {
	Team          string `json:"team" binding:"required"`
	Revision      string `json:"revision" binding:"required"`
	CommitMessage string `json:"commit_message"`
}

func (h *queueHandle) handleEnqueue(ctx *gin.Context) {
	var req enqueueRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.authorized(ctx, req.Team) {
		return
	}
	item, err := h.submitter.Enqueue(ctx.Request.Context(), req.Team, req.Revision, req.CommitMessage)
	switch {
	case errors.Is(err, queue.ErrInvalidRevision):
		ctx.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case errors.Is(err, store.ErrNotFound):
		ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown team"})
		return
	case err != nil:
		ctx.Error(err)
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"queue_id": item.ID,
		"commit":   item.CommitHash,
	})
}

func (h *queueHandle) handleWithdraw(ctx *gin.Context) {
	err := h.submitter.Withdraw(ctx.Request.Context(), ctx.Param("id"))
	switch {
	case errors.Is(err, store.ErrAlreadyDispatched):
		ctx.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "already dispatched"})
		return
	case errors.Is(err, store.ErrNotFound):
		ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown queue item"})
		return
	case err != nil:
		ctx.Error(err)
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.Status(http.StatusNoContent)
}

// authorized checks the bearer token against the team's integration token
func (h *queueHandle) authorized(ctx *gin.Context, teamName string) bool {
	token := strings.TrimPrefix(ctx.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return false
	}
	team, err := h.teams.TeamByName(ctx.Request.Context(), teamName)
	if err != nil || team.IntegrationToken == "" ||
		subtle.ConstantTimeCompare([]byte(team.IntegrationToken), []byte(token)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid token"})
		return false
	}
	return true
}
