package export

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/shared/server/respond"
	"pipeline-backend/internal/shared/storage/object"
)

// Handler serves workbook downloads and, when a store is configured, archives.
type Handler struct {
	Exporter *Exporter
	Archive  object.Store
}

// NewHandler constructs a Handler. archive may be nil.
func NewHandler(exporter *Exporter, archive object.Store) *Handler {
	return &Handler{Exporter: exporter, Archive: archive}
}

// RegisterRoutes attaches export routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/subjects/export", h.download)
	if h.Archive != nil {
		rg.POST("/subjects/export/archive", h.archive)
	}
}

func (h *Handler) download(c *gin.Context) {
	filter, ok := filterFromQuery(c)
	if !ok {
		return
	}

	rows, err := h.Exporter.Collect(c.Request.Context(), pipeline.ActorFromContext(c), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	at := h.Exporter.now()
	var buf bytes.Buffer
	if err := WriteWorkbook(&buf, rows, at); err != nil {
		respond.Error(c, http.StatusInternalServerError, "export_failed", "could not render workbook", nil)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+FileName(at)+`"`)
	c.Data(http.StatusOK, ContentType, buf.Bytes())
}

func (h *Handler) archive(c *gin.Context) {
	filter, ok := filterFromQuery(c)
	if !ok {
		return
	}

	out, err := h.Exporter.Archive(c.Request.Context(), h.Archive, pipeline.ActorFromContext(c), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.Created(c, out)
}

func filterFromQuery(c *gin.Context) (pipeline.ListFilter, bool) {
	filter := pipeline.ListFilter{Status: strings.TrimSpace(c.Query("status"))}
	if raw := strings.TrimSpace(c.Query("phase")); raw != "" {
		phase, _, ok := pipeline.ParsePhase(raw)
		if !ok {
			respond.Error(c, http.StatusBadRequest, "validation_error", "unknown phase "+strconv.Quote(raw), nil)
			return filter, false
		}
		filter.Phase = phase
	}
	return filter, true
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrTooMany) {
		respond.Error(c, http.StatusUnprocessableEntity, "export_too_large", "narrow the export with phase or status filters", nil)
		return
	}
	pipeline.WriteError(c, err)
}
