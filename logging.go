package ragvault

import (
	"context"

	"go.uber.org/zap"

	"github.com/flarexio/ragvault/rag"
	"github.com/flarexio/ragvault/vector"
)

func LoggingMiddleware(log *zap.Logger) ServiceMiddleware {
	log = log.With(
		zap.String("service", "ragvault"),
	)

	return func(next Service) Service {
		log.Info("service initialized")

		return &loggingMiddleware{
			log:  log,
			next: next,
		}
	}
}

type loggingMiddleware struct {
	log  *zap.Logger
	next Service
}

func (mw *loggingMiddleware) Close() error {
	log := mw.log.With(
		zap.String("action", "close"),
	)

	err := mw.next.Close()
	if err != nil {
		log.Error(err.Error())
		return err
	}

	log.Info("service closed")
	return nil
}

func (mw *loggingMiddleware) Stats(ctx context.Context) (Stats, error) {
	log := mw.log.With(
		zap.String("action", "stats"),
	)

	stats, err := mw.next.Stats(ctx)
	if err != nil {
		log.Error(err.Error())
		return Stats{}, err
	}

	log.Debug("stats read", zap.Int("documents", stats.Documents))
	return stats, nil
}

func (mw *loggingMiddleware) Put(ctx context.Context, req PutRequest) (string, error) {
	log := mw.log.With(
		zap.String("action", "put"),
		zap.String("source", req.Source),
		zap.String("file_type", req.FileType),
		zap.Bool("encrypt", req.Encrypt),
	)

	id, err := mw.next.Put(ctx, req)
	if err != nil {
		log.Error(err.Error())
		return "", err
	}

	log.Info("document stored", zap.String("document_id", id))
	return id, nil
}

func (mw *loggingMiddleware) Search(ctx context.Context, req SearchRequest) ([]vector.Result, error) {
	log := mw.log.With(
		zap.String("action", "search"),
		zap.String("query", req.Query),
	)

	if req.TopK > 0 {
		log = log.With(
			zap.Int("top_k", req.TopK),
		)
	}

	results, err := mw.next.Search(ctx, req)
	if err != nil {
		log.Error(err.Error())
		return nil, err
	}

	log.Info("documents searched", zap.Int("count", len(results)))
	return results, nil
}

func (mw *loggingMiddleware) Delete(ctx context.Context, id string) error {
	log := mw.log.With(
		zap.String("action", "delete"),
		zap.String("document_id", id),
	)

	err := mw.next.Delete(ctx, id)
	if err != nil {
		log.Error(err.Error())
		return err
	}

	log.Info("document deleted")
	return nil
}

func (mw *loggingMiddleware) Reindex(ctx context.Context, id string) (string, error) {
	log := mw.log.With(
		zap.String("action", "reindex"),
		zap.String("document_id", id),
	)

	newID, err := mw.next.Reindex(ctx, id)
	if err != nil {
		log.Error(err.Error())
		return "", err
	}

	log.Info("document reindexed", zap.String("new_document_id", newID))
	return newID, nil
}

func (mw *loggingMiddleware) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	log := mw.log.With(
		zap.String("action", "ingest"),
	)

	if req.Path != "" {
		log = log.With(
			zap.String("path", req.Path),
		)
	}

	id, err := mw.next.Ingest(ctx, req)
	if err != nil {
		log.Error(err.Error())
		return "", err
	}

	log.Info("document ingested", zap.String("document_id", id))
	return id, nil
}

func (mw *loggingMiddleware) IngestFiles(ctx context.Context, req IndexRequest) (IndexResponse, error) {
	log := mw.log.With(
		zap.String("action", "ingest_files"),
		zap.Int("files", len(req.FilePaths)),
	)

	resp, err := mw.next.IngestFiles(ctx, req)
	if err != nil {
		log.Error(err.Error())
		return resp, err
	}

	log.Info("files ingested",
		zap.Int("indexed", resp.IndexedCount),
		zap.Int("failed", resp.FailedCount),
	)

	return resp, nil
}

func (mw *loggingMiddleware) IngestDirectory(ctx context.Context, req IndexDirectoryRequest) (IndexResponse, error) {
	log := mw.log.With(
		zap.String("action", "ingest_directory"),
		zap.String("directory", req.DirectoryPath),
	)

	resp, err := mw.next.IngestDirectory(ctx, req)
	if err != nil {
		log.Error(err.Error())
		return resp, err
	}

	log.Info("directory ingested",
		zap.Int("indexed", resp.IndexedCount),
		zap.Int("failed", resp.FailedCount),
	)

	return resp, nil
}

func (mw *loggingMiddleware) ClipWeb(ctx context.Context, req WebContentRequest) (string, error) {
	log := mw.log.With(
		zap.String("action", "clip_web"),
		zap.String("url", req.URL),
	)

	id, err := mw.next.ClipWeb(ctx, req)
	if err != nil {
		log.Error(err.Error())
		return "", err
	}

	log.Info("web content clipped", zap.String("document_id", id))
	return id, nil
}

func (mw *loggingMiddleware) BuildContext(ctx context.Context, req QueryRequest) (rag.Context, error) {
	log := mw.log.With(
		zap.String("action", "build_context"),
		zap.String("query", req.Query),
		zap.String("strategy", string(req.Strategy)),
	)

	c, err := mw.next.BuildContext(ctx, req)
	if err != nil {
		log.Error(err.Error())
		return rag.Context{}, err
	}

	log.Info("context built",
		zap.Int("chunks", len(c.Chunks)),
		zap.Int("tokens", c.TokenCount),
	)

	return c, nil
}

func (mw *loggingMiddleware) GenerateAnswer(ctx context.Context, req QueryRequest) (rag.Answer, error) {
	log := mw.log.With(
		zap.String("action", "generate_answer"),
		zap.String("query", req.Query),
		zap.String("strategy", string(req.Strategy)),
	)

	answer, err := mw.next.GenerateAnswer(ctx, req)
	if err != nil {
		log.Error(err.Error())
		return rag.Answer{}, err
	}

	log.Info("answer generated",
		zap.Bool("generated", answer.Generated),
		zap.Int("rounds", answer.Rounds),
		zap.Float64("usage_percent", answer.Stats.UsagePercent),
	)

	return answer, nil
}
