package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/flarexio/ragvault"
	"github.com/flarexio/ragvault/rag"
	"github.com/flarexio/ragvault/vector"
)

// LongTimeout bounds requests that embed many documents or wait on the
// language model.
const LongTimeout = 3 * time.Minute

func MakeEndpoints(nc *nats.Conn, prefix string) *ragvault.EndpointSet {
	topic := func(name string) string {
		return prefix + "." + name
	}

	return &ragvault.EndpointSet{
		Stats:           StatsEndpoint(nc, topic(TopicStats)),
		Put:             RequestEndpoint[ragvault.PutRequest, ragvault.PutResponse](nc, topic(TopicPut), nats.DefaultTimeout),
		Search:          RequestEndpoint[ragvault.SearchRequest, ragvault.SearchResponse](nc, topic(TopicSearch), nats.DefaultTimeout),
		Delete:          DeleteEndpoint(nc, topic(TopicDelete)),
		Reindex:         ReindexEndpoint(nc, topic(TopicReindex)),
		Ingest:          RequestEndpoint[ragvault.IngestRequest, ragvault.PutResponse](nc, topic(TopicIngest), LongTimeout),
		IngestFiles:     RequestEndpoint[ragvault.IndexRequest, ragvault.IndexResponse](nc, topic(TopicIngestFiles), LongTimeout),
		IngestDirectory: RequestEndpoint[ragvault.IndexDirectoryRequest, ragvault.IndexResponse](nc, topic(TopicIngestDirectory), LongTimeout),
		ClipWeb:         RequestEndpoint[ragvault.WebContentRequest, ragvault.PutResponse](nc, topic(TopicClipWeb), LongTimeout),
		BuildContext:    RequestEndpoint[ragvault.QueryRequest, rag.Context](nc, topic(TopicBuildContext), LongTimeout),
		GenerateAnswer:  RequestEndpoint[ragvault.QueryRequest, rag.Answer](nc, topic(TopicGenerateAnswer), LongTimeout),
	}
}

func send(ctx context.Context, nc *nats.Conn, topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := nc.RequestWithContext(ctx, topic, data)
	if err != nil {
		return nil, err
	}

	if err := Error(msg); err != nil {
		return nil, err
	}

	return msg, nil
}

// RequestEndpoint sends Req as JSON to topic and decodes the reply as Resp.
func RequestEndpoint[Req any, Resp any](nc *nats.Conn, topic string, timeout time.Duration) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(Req)
		if !ok {
			return nil, errors.New("invalid request")
		}

		data, err := json.Marshal(&req)
		if err != nil {
			return nil, err
		}

		msg, err := send(ctx, nc, topic, data, timeout)
		if err != nil {
			return nil, err
		}

		var resp Resp
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return nil, err
		}

		return resp, nil
	}
}

func StatsEndpoint(nc *nats.Conn, topic string) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		msg, err := send(ctx, nc, topic, nil, nats.DefaultTimeout)
		if err != nil {
			return nil, err
		}

		var stats ragvault.Stats
		if err := json.Unmarshal(msg.Data, &stats); err != nil {
			return nil, err
		}

		return stats, nil
	}
}

func DeleteEndpoint(nc *nats.Conn, topic string) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id, ok := request.(string)
		if !ok {
			return nil, errors.New("invalid request")
		}

		_, err := send(ctx, nc, topic, []byte(id), nats.DefaultTimeout)
		return nil, err
	}
}

func ReindexEndpoint(nc *nats.Conn, topic string) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id, ok := request.(string)
		if !ok {
			return nil, errors.New("invalid request")
		}

		msg, err := send(ctx, nc, topic, []byte(id), LongTimeout)
		if err != nil {
			return nil, err
		}

		var resp ragvault.ReindexResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return nil, err
		}

		return resp, nil
	}
}

// Error decodes a micro service error reply. Validation and not-found codes
// map back to the vector sentinels.
func Error(msg *nats.Msg) error {
	if msg == nil {
		return errors.New("nil message")
	}

	code := msg.Header.Get(micro.ErrorCodeHeader)
	if code == "" {
		return nil
	}

	description := msg.Header.Get(micro.ErrorHeader)
	if description == "" {
		description = "unknown error"
	}

	switch code {
	case "400":
		return fmt.Errorf("%w: %s", vector.ErrValidation, description)
	case "404":
		return fmt.Errorf("%w: %s", vector.ErrNotFound, description)
	default:
		return errors.New(code + ":" + description)
	}
}
