package http

import (
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flarexio/ragvault"

	mcpE "github.com/flarexio/ragvault/mcp"
)

func AddRouters(r *gin.Engine, endpoints *ragvault.EndpointSet) {
	r.GET("/health", HealthHandler(endpoints.Stats))

	api := r.Group("/api")
	{
		api.POST("/documents", JSONHandler[ragvault.PutRequest](endpoints.Put))
		api.DELETE("/documents/:id", DeleteDocumentHandler(endpoints.Delete))
		api.POST("/documents/:id/reindex", ReindexDocumentHandler(endpoints.Reindex))

		api.POST("/ingest", JSONHandler[ragvault.IngestRequest](endpoints.Ingest))
		api.POST("/index", JSONHandler[ragvault.IndexRequest](endpoints.IngestFiles))
		api.POST("/index/directory", JSONHandler[ragvault.IndexDirectoryRequest](endpoints.IngestDirectory))
		api.POST("/clip", JSONHandler[ragvault.WebContentRequest](endpoints.ClipWeb))

		api.GET("/search", SearchHandler(endpoints.Search))
		api.POST("/search", JSONHandler[ragvault.SearchRequest](endpoints.Search))

		api.POST("/context", JSONHandler[ragvault.QueryRequest](endpoints.BuildContext))
		api.POST("/ask", JSONHandler[ragvault.QueryRequest](endpoints.GenerateAnswer))
	}
}

func AddStreamableRouters(r *gin.Engine, endpoints map[mcp.MCPMethod]mcpE.MCPEndpoint) {
	mcp := r.Group("/mcp")
	{
		mcp.POST("/", MCPStreamableHandler(endpoints))
	}
}
