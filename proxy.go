package ragvault

import (
	"context"
	"errors"

	"github.com/flarexio/ragvault/rag"
	"github.com/flarexio/ragvault/vector"
)

var ErrInvalidResponseType = errors.New("invalid response type")

// ProxyMiddleware routes every call through endpoints, typically the NATS
// client endpoints of a remote vault.
func ProxyMiddleware(endpoints *EndpointSet) ServiceMiddleware {
	return func(next Service) Service {
		return &proxyMiddleware{
			endpoints: endpoints,
		}
	}
}

type proxyMiddleware struct {
	endpoints *EndpointSet
}

func (mw *proxyMiddleware) Close() error {
	return nil
}

func (mw *proxyMiddleware) Stats(ctx context.Context) (Stats, error) {
	resp, err := mw.endpoints.Stats(ctx, nil)
	if err != nil {
		return Stats{}, err
	}

	stats, ok := resp.(Stats)
	if !ok {
		return Stats{}, ErrInvalidResponseType
	}

	return stats, nil
}

func (mw *proxyMiddleware) Put(ctx context.Context, req PutRequest) (string, error) {
	resp, err := mw.endpoints.Put(ctx, req)
	if err != nil {
		return "", err
	}

	return documentID(resp)
}

func (mw *proxyMiddleware) Search(ctx context.Context, req SearchRequest) ([]vector.Result, error) {
	resp, err := mw.endpoints.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	results, ok := resp.(SearchResponse)
	if !ok {
		return nil, ErrInvalidResponseType
	}

	return results.Results, nil
}

func (mw *proxyMiddleware) Delete(ctx context.Context, id string) error {
	_, err := mw.endpoints.Delete(ctx, id)
	return err
}

func (mw *proxyMiddleware) Reindex(ctx context.Context, id string) (string, error) {
	resp, err := mw.endpoints.Reindex(ctx, id)
	if err != nil {
		return "", err
	}

	reindexed, ok := resp.(ReindexResponse)
	if !ok {
		return "", ErrInvalidResponseType
	}

	return reindexed.DocumentID, nil
}

func (mw *proxyMiddleware) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	resp, err := mw.endpoints.Ingest(ctx, req)
	if err != nil {
		return "", err
	}

	return documentID(resp)
}

func (mw *proxyMiddleware) IngestFiles(ctx context.Context, req IndexRequest) (IndexResponse, error) {
	resp, err := mw.endpoints.IngestFiles(ctx, req)
	if err != nil {
		return IndexResponse{}, err
	}

	return indexResponse(resp)
}

func (mw *proxyMiddleware) IngestDirectory(ctx context.Context, req IndexDirectoryRequest) (IndexResponse, error) {
	resp, err := mw.endpoints.IngestDirectory(ctx, req)
	if err != nil {
		return IndexResponse{}, err
	}

	return indexResponse(resp)
}

func (mw *proxyMiddleware) ClipWeb(ctx context.Context, req WebContentRequest) (string, error) {
	resp, err := mw.endpoints.ClipWeb(ctx, req)
	if err != nil {
		return "", err
	}

	return documentID(resp)
}

func (mw *proxyMiddleware) BuildContext(ctx context.Context, req QueryRequest) (rag.Context, error) {
	resp, err := mw.endpoints.BuildContext(ctx, req)
	if err != nil {
		return rag.Context{}, err
	}

	c, ok := resp.(rag.Context)
	if !ok {
		return rag.Context{}, ErrInvalidResponseType
	}

	return c, nil
}

func (mw *proxyMiddleware) GenerateAnswer(ctx context.Context, req QueryRequest) (rag.Answer, error) {
	resp, err := mw.endpoints.GenerateAnswer(ctx, req)
	if err != nil {
		return rag.Answer{}, err
	}

	answer, ok := resp.(rag.Answer)
	if !ok {
		return rag.Answer{}, ErrInvalidResponseType
	}

	return answer, nil
}

func documentID(resp any) (string, error) {
	put, ok := resp.(PutResponse)
	if !ok {
		return "", ErrInvalidResponseType
	}

	return put.DocumentID, nil
}

func indexResponse(resp any) (IndexResponse, error) {
	index, ok := resp.(IndexResponse)
	if !ok {
		return IndexResponse{}, ErrInvalidResponseType
	}

	return index, nil
}
