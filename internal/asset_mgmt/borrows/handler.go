package borrows

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/platform/apierr"
)

type Handler struct{ svc *Engine }

func RegisterRoutes(pub, admin gin.IRoutes, svc *Engine) {
	h := &Handler{svc: svc}

	// 貸出（借用者クライアント）
	pub.POST("/borrows", h.Submit)
	pub.GET("/borrows/:transaction_id", h.Get)

	// 一覧は管理側のみ
	admin.GET("/borrows", h.List)
}

// ---------- handlers ----------

func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.ErrorBody(apierr.CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.Header("Location", "/borrows/"+res.TransactionID)
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c *gin.Context) {
	res, err := h.svc.Get(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) List(c *gin.Context) {
	f := ListFilter{
		BorrowerID: c.Query("borrower_id"),
		Status:     c.Query("status"),
	}
	if v := c.Query("overdue"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			f.OverdueOnly = b
		}
	}
	p := lendstore.Page{
		Limit:  parseIntDefault(c.Query("limit"), 50),
		Offset: parseIntDefault(c.Query("offset"), 0),
		Order:  c.DefaultQuery("order", "desc"),
	}
	res, err := h.svc.List(c.Request.Context(), f, p)
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
