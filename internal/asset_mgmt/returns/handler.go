package returns

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/platform/apierr"
	"IRIS-lending/internal/platform/auth"
)

type Handler struct {
	wf     *Workflow
	poller *Poller
}

// RegisterRoutes mounts the borrower-facing return routes on pub and the
// verification desk on admin. statusMW wraps the polling endpoint (rate limit).
func RegisterRoutes(pub, admin gin.IRoutes, wf *Workflow, poller *Poller, statusMW ...gin.HandlerFunc) {
	h := &Handler{wf: wf, poller: poller}

	// 返却
	pub.POST("/borrows/:transaction_id/returns", h.SubmitReturn)
	pub.GET("/borrows/:transaction_id/verifications", h.ListByTransaction)

	// ポーリング
	pub.GET("/verifications/status", append(statusMW, h.CheckStatus)...)

	// 検品
	admin.GET("/verifications/pending", h.ListPending)
	admin.POST("/verifications/:verification_id/resolve", h.Resolve)
}

// ---------- handlers ----------

func (h *Handler) SubmitReturn(c *gin.Context) {
	var req SubmitReturnRequest
	// 空ボディは「未検品の全行」
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, apierr.ErrorBody(apierr.CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.wf.SubmitReturn(c.Request.Context(), c.Param("transaction_id"), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListByTransaction(c *gin.Context) {
	res, err := h.wf.ListByTransaction(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) CheckStatus(c *gin.Context) {
	res, err := h.poller.CheckStatus(c.Request.Context(), c.QueryArray("ids"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListPending(c *gin.Context) {
	p := lendstore.Page{
		Limit:  parseIntDefault(c.Query("limit"), 50),
		Offset: parseIntDefault(c.Query("offset"), 0),
		Order:  c.DefaultQuery("order", "asc"),
	}
	res, err := h.wf.ListPending(c.Request.Context(), p)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.ErrorBody(apierr.CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.wf.Resolve(c.Request.Context(), c.Param("verification_id"), req, auth.UserID(c))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ---------- helpers ----------

func parseIntDefault(s string, d int) int {
	if s == "" {
		return d
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}
