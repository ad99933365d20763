package nats

import (
	"github.com/nats-io/nats.go/micro"

	"github.com/flarexio/ragvault"
)

const (
	TopicStats           = "stats"
	TopicPut             = "put"
	TopicSearch          = "search"
	TopicDelete          = "delete"
	TopicReindex         = "reindex"
	TopicIngest          = "ingest"
	TopicIngestFiles     = "ingest_files"
	TopicIngestDirectory = "ingest_directory"
	TopicClipWeb         = "clip_web"
	TopicBuildContext    = "build_context"
	TopicGenerateAnswer  = "generate_answer"
)

func AddEndpoints(group micro.Group, endpoints *ragvault.EndpointSet) {
	group.AddEndpoint(TopicStats, StatsHandler(endpoints.Stats))
	group.AddEndpoint(TopicPut, JSONHandler[ragvault.PutRequest](endpoints.Put))
	group.AddEndpoint(TopicSearch, JSONHandler[ragvault.SearchRequest](endpoints.Search))
	group.AddEndpoint(TopicDelete, DeleteHandler(endpoints.Delete))
	group.AddEndpoint(TopicReindex, ReindexHandler(endpoints.Reindex))
	group.AddEndpoint(TopicIngest, JSONHandler[ragvault.IngestRequest](endpoints.Ingest))
	group.AddEndpoint(TopicIngestFiles, JSONHandler[ragvault.IndexRequest](endpoints.IngestFiles))
	group.AddEndpoint(TopicIngestDirectory, JSONHandler[ragvault.IndexDirectoryRequest](endpoints.IngestDirectory))
	group.AddEndpoint(TopicClipWeb, JSONHandler[ragvault.WebContentRequest](endpoints.ClipWeb))
	group.AddEndpoint(TopicBuildContext, JSONHandler[ragvault.QueryRequest](endpoints.BuildContext))
	group.AddEndpoint(TopicGenerateAnswer, JSONHandler[ragvault.QueryRequest](endpoints.GenerateAnswer))
}
