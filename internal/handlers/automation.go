package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fableforge/fableforge-backend/internal/logger"
	"github.com/fableforge/fableforge-backend/internal/services"
)

type AutomationHandler struct {
	log        *logger.Logger
	automation services.AutomationService
}

func NewAutomationHandler(log *logger.Logger, automation services.AutomationService) *AutomationHandler {
	return &AutomationHandler{
		log:        log.With("handler", "AutomationHandler"),
		automation: automation,
	}
}

// POST /api/automation/runs
// Multipart form: book_id, name, photo files under "photos", and repeated
// "override" values naming photos to keep even if the evaluator rejects them.
func (h *AutomationHandler) StartRun(c *gin.Context) {
	bookID, err := uuid.Parse(strings.TrimSpace(c.PostForm("book_id")))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("invalid book_id: %w", err))
		return
	}
	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("name is required"))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	files := form.File["photos"]
	if len(files) == 0 {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("at least one photo is required"))
		return
	}

	overridden := map[string]bool{}
	for _, fileName := range form.Value["override"] {
		overridden[strings.TrimSpace(fileName)] = true
	}

	photos := make([]services.PhotoUpload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("open photo %q: %w", fh.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("read photo %q: %w", fh.Filename, err))
			return
		}
		photos = append(photos, services.PhotoUpload{
			FileName: fh.Filename,
			Data:     data,
			Override: overridden[fh.Filename],
		})
	}

	run, err := h.automation.StartRun(c.Request.Context(), services.StartRunInput{
		BookID:   bookID,
		UserName: name,
		Photos:   photos,
	})
	if err != nil {
		if run != nil {
			RespondRunError(c, http.StatusUnprocessableEntity, "run_failed", err, run.ID.String())
			return
		}
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"run": run})
}

// GET /api/automation/runs?limit=N
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	runs, err := h.automation.ListRuns(c.Request.Context(), limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"runs": runs})
}

// GET /api/automation/runs/:id
func (h *AutomationHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("invalid run id: %w", err))
		return
	}
	run, err := h.automation.GetRun(c.Request.Context(), runID)
	if err != nil {
		RespondError(c, http.StatusNotFound, "run_not_found", err)
		return
	}
	RespondOK(c, gin.H{"run": run})
}
