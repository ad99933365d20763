package nats

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-kit/kit/endpoint"
	"github.com/nats-io/nats.go/micro"

	"github.com/flarexio/ragvault"
	"github.com/flarexio/ragvault/vector"
)

// ErrorCode is the micro error code for a service error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, vector.ErrValidation):
		return "400"
	case errors.Is(err, vector.ErrNotFound):
		return "404"
	default:
		return "417"
	}
}

// JSONHandler decodes the request payload into Req and responds with the
// endpoint result as JSON.
func JSONHandler[Req any](endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		var req Req
		if err := json.Unmarshal(r.Data(), &req); err != nil {
			r.Error("400", err.Error(), nil)
			return
		}

		ctx := context.Background()
		resp, err := endpoint(ctx, req)
		if err != nil {
			r.Error(ErrorCode(err), err.Error(), nil)
			return
		}

		r.RespondJSON(&resp)
	}
}

func StatsHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		ctx := context.Background()
		resp, err := endpoint(ctx, nil)
		if err != nil {
			r.Error(ErrorCode(err), err.Error(), nil)
			return
		}

		stats, ok := resp.(ragvault.Stats)
		if !ok {
			r.Error("500", "invalid response type", nil)
			return
		}

		r.RespondJSON(&stats)
	}
}

func DeleteHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		id := string(r.Data())
		if id == "" {
			r.Error("400", "document id is required", nil)
			return
		}

		ctx := context.Background()
		_, err := endpoint(ctx, id)
		if err != nil {
			r.Error(ErrorCode(err), err.Error(), nil)
			return
		}

		r.Respond([]byte("OK"))
	}
}

func ReindexHandler(endpoint endpoint.Endpoint) micro.HandlerFunc {
	return func(r micro.Request) {
		id := string(r.Data())
		if id == "" {
			r.Error("400", "document id is required", nil)
			return
		}

		ctx := context.Background()
		resp, err := endpoint(ctx, id)
		if err != nil {
			r.Error(ErrorCode(err), err.Error(), nil)
			return
		}

		reindexed, ok := resp.(ragvault.ReindexResponse)
		if !ok {
			r.Error("500", "invalid response type", nil)
			return
		}

		r.RespondJSON(&reindexed)
	}
}
