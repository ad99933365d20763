package ragvault

import (
	"context"
	"errors"

	"github.com/go-kit/kit/endpoint"
)

type EndpointSet struct {
	Stats           endpoint.Endpoint
	Put             endpoint.Endpoint
	Search          endpoint.Endpoint
	Delete          endpoint.Endpoint
	Reindex         endpoint.Endpoint
	Ingest          endpoint.Endpoint
	IngestFiles     endpoint.Endpoint
	IngestDirectory endpoint.Endpoint
	ClipWeb         endpoint.Endpoint
	BuildContext    endpoint.Endpoint
	GenerateAnswer  endpoint.Endpoint
}

func NewEndpointSet(svc Service) *EndpointSet {
	return &EndpointSet{
		Stats:           StatsEndpoint(svc),
		Put:             PutEndpoint(svc),
		Search:          SearchEndpoint(svc),
		Delete:          DeleteEndpoint(svc),
		Reindex:         ReindexEndpoint(svc),
		Ingest:          IngestEndpoint(svc),
		IngestFiles:     IngestFilesEndpoint(svc),
		IngestDirectory: IngestDirectoryEndpoint(svc),
		ClipWeb:         ClipWebEndpoint(svc),
		BuildContext:    BuildContextEndpoint(svc),
		GenerateAnswer:  GenerateAnswerEndpoint(svc),
	}
}

func StatsEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		return svc.Stats(ctx)
	}
}

func PutEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(PutRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		id, err := svc.Put(ctx, req)
		if err != nil {
			return nil, err
		}

		return PutResponse{id}, nil
	}
}

func SearchEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(SearchRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		results, err := svc.Search(ctx, req)
		if err != nil {
			return nil, err
		}

		return SearchResponse{
			Query:        req.Query,
			Results:      results,
			TotalResults: len(results),
		}, nil
	}
}

func DeleteEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id, ok := request.(string)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		err := svc.Delete(ctx, id)
		return nil, err
	}
}

func ReindexEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		id, ok := request.(string)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		newID, err := svc.Reindex(ctx, id)
		if err != nil {
			return nil, err
		}

		return ReindexResponse{
			DocumentID: newID,
			PreviousID: id,
		}, nil
	}
}

func IngestEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(IngestRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		id, err := svc.Ingest(ctx, req)
		if err != nil {
			return nil, err
		}

		return PutResponse{id}, nil
	}
}

func IngestFilesEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(IndexRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		return svc.IngestFiles(ctx, req)
	}
}

func IngestDirectoryEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(IndexDirectoryRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		return svc.IngestDirectory(ctx, req)
	}
}

func ClipWebEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(WebContentRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		id, err := svc.ClipWeb(ctx, req)
		if err != nil {
			return nil, err
		}

		return PutResponse{id}, nil
	}
}

func BuildContextEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(QueryRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		return svc.BuildContext(ctx, req)
	}
}

func GenerateAnswerEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(QueryRequest)
		if !ok {
			return nil, errors.New("invalid request type")
		}

		return svc.GenerateAnswer(ctx, req)
	}
}
