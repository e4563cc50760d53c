// Package api embeds the OpenAPI document and serves it with Swagger UI.
package api

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

//go:embed openapi.yaml
var OpenAPI []byte

const specPath = "/openapi.yaml"

// RegisterRoutes serves the raw document and a Swagger UI pointed at it.
func RegisterRoutes(r gin.IRoutes) {
	r.GET(specPath, func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", OpenAPI)
	})
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL(specPath)))
}
