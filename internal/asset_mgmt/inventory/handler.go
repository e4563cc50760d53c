package inventory

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/platform/apierr"
)

type Handler struct{ svc *Catalog }

// RegisterRoutes mounts read routes on pub and catalog administration on admin.
func RegisterRoutes(pub, admin gin.IRoutes, svc *Catalog) {
	h := &Handler{svc: svc}

	pub.GET("/items", h.ListItems)
	pub.GET("/items/:item_id", h.GetItem)
	pub.GET("/items/:item_id/availability", h.GetAvailability)

	admin.POST("/items", h.CreateItem)
	admin.PATCH("/items/:item_id", h.UpdateItem)
}

// ---------- handlers ----------

func (h *Handler) CreateItem(c *gin.Context) {
	var req CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.ErrorBody(apierr.CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.CreateItem(c.Request.Context(), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.Header("Location", "/items/"+res.ItemID)
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) UpdateItem(c *gin.Context) {
	var req UpdateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierr.ErrorBody(apierr.CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.UpdateItem(c.Request.Context(), c.Param("item_id"), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetItem(c *gin.Context) {
	res, err := h.svc.GetItem(c.Request.Context(), c.Param("item_id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetAvailability(c *gin.Context) {
	res, err := h.svc.Status(c.Request.Context(), c.Param("item_id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListItems(c *gin.Context) {
	var f lendstore.ItemFilter
	if v := c.Query("status"); v != "" {
		st := lendstore.ItemStatus(v)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, apierr.ErrorBody(apierr.CodeInvalidArgument, "invalid status"))
			return
		}
		f.Status = &st
	}
	p := lendstore.Page{
		Limit:  parseIntDefault(c.Query("limit"), 50),
		Offset: parseIntDefault(c.Query("offset"), 0),
		Order:  c.DefaultQuery("order", "desc"),
	}
	res, err := h.svc.ListItems(c.Request.Context(), f, p)
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
