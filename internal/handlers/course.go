package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/courseforge/courseforge-backend/internal/platform/logger"
	"github.com/courseforge/courseforge-backend/internal/services"
)

type CourseHandler struct {
	svc services.CourseService
	log *logger.Logger
}

func NewCourseHandler(svc services.CourseService, baseLog *logger.Logger) *CourseHandler {
	return &CourseHandler{svc: svc, log: baseLog.With("handler", "CourseHandler")}
}

type startCourseRequest struct {
	OwnerUserID  string   `json:"owner_user_id" binding:"required"`
	OrgID        string   `json:"org_id"`
	Topic        string   `json:"topic" binding:"required"`
	DocumentKeys []string `json:"document_keys"`
}

// StartCourse creates a course from a topic and optional uploaded documents
// and queues the generation run that drives it through the pipeline.
func (h *CourseHandler) StartCourse(c *gin.Context) {
	var req startCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	ownerID, err := uuid.Parse(req.OwnerUserID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("owner_user_id must be a uuid"))
		return
	}
	var orgID *uuid.UUID
	if strings.TrimSpace(req.OrgID) != "" {
		parsed, err := uuid.Parse(req.OrgID)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("org_id must be a uuid"))
			return
		}
		orgID = &parsed
	}

	course, run, err := h.svc.StartCourse(c.Request.Context(), ownerID, orgID, req.Topic, req.DocumentKeys)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "start_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"course": course, "run": run})
}

func (h *CourseHandler) GetCourseStatus(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("course id must be a uuid"))
		return
	}
	status, err := h.svc.GetCourseStatus(c.Request.Context(), courseID)
	if err != nil {
		RespondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	RespondOK(c, status)
}

func (h *CourseHandler) CancelCourse(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("course id must be a uuid"))
		return
	}
	if err := h.svc.CancelCourse(c.Request.Context(), courseID); err != nil {
		RespondError(c, http.StatusConflict, "cancel_failed", err)
		return
	}
	RespondOK(c, gin.H{"canceled": true})
}

func (h *CourseHandler) GetCourseTrace(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("course id must be a uuid"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	events, err := h.svc.ListTrace(c.Request.Context(), courseID, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "trace_failed", err)
		return
	}
	RespondOK(c, gin.H{"events": events})
}
