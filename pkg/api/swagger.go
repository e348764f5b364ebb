package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gopkg.in/yaml.v2"
)

// SwaggerInfo holds the swagger specification info
var SwaggerInfo = struct {
	Version     string
	BasePath    string
	Title       string
	Description string
}{
	Version:     "1.0.0",
	BasePath:    "/api/v1",
	Title:       "Copytrade Engine API",
	Description: "Copy-trading replication engine: connections, groups, orders and replicated transactions",
}

// specPath is relative to the working directory of the server
var specPath = filepath.Join("docs", "swagger.yaml")

// toJSONCompatible converts the map[interface{}]interface{} values yaml.v2
// produces into string keyed maps encoding/json accepts
func toJSONCompatible(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				out[ks] = toJSONCompatible(val)
			}
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = toJSONCompatible(t[i])
		}
		return t
	default:
		return v
	}
}

// setupSwagger configures Swagger documentation routes
func setupSwagger(r *gin.Engine) {
	r.GET("/api/v1/openapi.yaml", func(c *gin.Context) {
		yamlData, err := os.ReadFile(specPath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to read OpenAPI specification"})
			return
		}
		c.Data(http.StatusOK, "application/yaml", yamlData)
	})

	r.GET("/api/v1/openapi.json", func(c *gin.Context) {
		yamlData, err := os.ReadFile(specPath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to read OpenAPI specification"})
			return
		}

		var spec interface{}
		if err := yaml.Unmarshal(yamlData, &spec); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to parse OpenAPI specification"})
			return
		}
		c.JSON(http.StatusOK, toJSONCompatible(spec))
	})

	r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/api/v1/openapi.json")))

	r.GET("/api/v1/docs", func(c *gin.Context) {
		respondOK(c, http.StatusOK, gin.H{
			"title":       SwaggerInfo.Title,
			"description": SwaggerInfo.Description,
			"version":     SwaggerInfo.Version,
			"base_path":   SwaggerInfo.BasePath,
			"docs_url":    "/docs/index.html",
			"openapi_url": "/api/v1/openapi.json",
		})
	})
}
