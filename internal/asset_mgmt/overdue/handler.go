package overdue

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"IRIS-lending/internal/platform/apierr"
)

type Handler struct{ m *Monitor }

func RegisterRoutes(admin gin.IRoutes, m *Monitor) {
	h := &Handler{m: m}
	admin.POST("/admin/overdue/sweep", h.Sweep)
}

// Sweep runs one pass on demand and reports what it did.
func (h *Handler) Sweep(c *gin.Context) {
	st, err := h.m.Sweep(c.Request.Context())
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
