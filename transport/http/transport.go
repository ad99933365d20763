package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/kit/endpoint"

	"github.com/flarexio/ragvault"
	"github.com/flarexio/ragvault/vector"
)

// StatusCode maps a service error to the HTTP status reported to clients.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, vector.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, vector.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusExpectationFailed
	}
}

func abort(c *gin.Context, code int, err error) {
	c.String(code, err.Error())
	c.Error(err)
	c.Abort()
}

// JSONHandler binds the JSON body into Req and responds with the endpoint
// result.
func JSONHandler[Req any](endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req Req
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, req)
		if err != nil {
			abort(c, StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

func SearchHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ragvault.SearchRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, req)
		if err != nil {
			abort(c, StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

func DeleteDocumentHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			abort(c, http.StatusBadRequest, errors.New("document id is required"))
			return
		}

		ctx := c.Request.Context()
		_, err := endpoint(ctx, id)
		if err != nil {
			abort(c, StatusCode(err), err)
			return
		}

		c.String(http.StatusOK, "OK")
	}
}

func ReindexDocumentHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			abort(c, http.StatusBadRequest, errors.New("document id is required"))
			return
		}

		ctx := c.Request.Context()
		resp, err := endpoint(ctx, id)
		if err != nil {
			abort(c, StatusCode(err), err)
			return
		}

		c.JSON(http.StatusOK, &resp)
	}
}

func HealthHandler(endpoint endpoint.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		resp, err := endpoint(ctx, nil)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"vault":  resp,
		})
	}
}
