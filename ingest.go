package ragvault

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flarexio/ragvault/parser"
	"github.com/flarexio/ragvault/vector"
)

// Ingest parses a file or inline content and stores it as one document.
// Metadata is layered as file_name/file_path, then parser metadata, then
// the request's own metadata. The document is tagged with the request's
// project, or the vault's current one.
func (svc *service) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	var parsed parser.Parsed
	base := make(map[string]any)
	source := req.Source

	switch {
	case req.Path != "":
		path, err := filepath.Abs(req.Path)
		if err != nil {
			return "", err
		}

		parsed, err = svc.parseFile(path)
		if err != nil {
			return "", err
		}

		if source == "" {
			source = path
		}

		base["file_name"] = filepath.Base(path)
		base["file_path"] = path

	case req.Content != "":
		parsed = svc.parseContent(req.FileType, req.Content)

	default:
		return "", fmt.Errorf("%w: %w", vector.ErrValidation, ErrMissingIngestSource)
	}

	fileType := req.FileType
	if fileType == "" {
		fileType = parsed.FileType
	}

	metadata := mergeMetadata(mergeMetadata(base, parsed.Metadata), req.Metadata)
	svc.tagProject(metadata, req.Project)

	return svc.Put(ctx, PutRequest{
		Content:  parsed.Text,
		Source:   source,
		FileType: fileType,
		Metadata: metadata,
		Encrypt:  req.Encrypt,
		Mode:     req.Mode,
	})
}

func (svc *service) parseFile(path string) (parser.Parsed, error) {
	if !svc.parsers.Supports(path) {
		return parser.Parsed{}, fmt.Errorf("%w: %w: %s", vector.ErrValidation, parser.ErrUnsupportedFileType, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return parser.Parsed{}, err
	}

	return svc.parsers.Parse(path, data)
}

// parseContent runs the parser registered for fileType over inline content.
// Unknown types are stored verbatim.
func (svc *service) parseContent(fileType string, content string) parser.Parsed {
	if fileType == "" {
		fileType = parser.FileTypeText
	}

	name := "document." + fileType
	if svc.parsers.Supports(name) {
		parsed, err := svc.parsers.Parse(name, []byte(content))
		if err == nil {
			return parsed
		}
	}

	return parser.Parsed{
		Text:     content,
		FileType: fileType,
	}
}

// IngestFiles indexes each path independently; a failing file is counted
// and reported without aborting the batch.
func (svc *service) IngestFiles(ctx context.Context, req IndexRequest) (IndexResponse, error) {
	if len(req.FilePaths) == 0 {
		return IndexResponse{}, fmt.Errorf("%w: no file paths given", vector.ErrValidation)
	}

	return svc.ingestFiles(ctx, req.FilePaths, req.Encrypt, req.Project)
}

func (svc *service) ingestFiles(ctx context.Context, paths []string, encrypt bool, project string) (IndexResponse, error) {
	log := svc.log.With(
		zap.String("action", "ingest_files"),
	)

	resp := IndexResponse{
		DocumentIDs: make([]string, 0, len(paths)),
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return resp, err
		}

		id, err := svc.Ingest(ctx, IngestRequest{
			Path:    path,
			Encrypt: encrypt,
			Project: project,
		})

		if err != nil {
			log.Warn("file not indexed", zap.String("path", path), zap.Error(err))

			resp.FailedCount++
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", path, err))
			continue
		}

		resp.IndexedCount++
		resp.DocumentIDs = append(resp.DocumentIDs, id)
	}

	return resp, nil
}

// IngestDirectory indexes every file below the directory whose extension is
// requested. Hidden directories are skipped.
func (svc *service) IngestDirectory(ctx context.Context, req IndexDirectoryRequest) (IndexResponse, error) {
	root := req.DirectoryPath
	if root == "" {
		return IndexResponse{}, fmt.Errorf("%w: %w", vector.ErrValidation, ErrDirectoryNotFound)
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return IndexResponse{}, fmt.Errorf("%w: %w: %s", vector.ErrValidation, ErrDirectoryNotFound, root)
	}

	exts := req.extensions()
	recursive := req.recursive()

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}

			svc.log.Warn("path skipped", zap.String("path", path), zap.Error(err))
			return nil
		}

		if d.IsDir() {
			if path == root {
				return nil
			}

			if !recursive || strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}

			return nil
		}

		if _, ok := exts[strings.ToLower(filepath.Ext(path))]; ok {
			paths = append(paths, path)
		}

		return nil
	})

	if err != nil {
		return IndexResponse{}, err
	}

	return svc.ingestFiles(ctx, paths, req.Encrypt, req.Project)
}

// ClipWeb stores a clipped web page as markdown with the page URL as its
// source.
func (svc *service) ClipWeb(ctx context.Context, req WebContentRequest) (string, error) {
	if strings.TrimSpace(req.URL) == "" {
		return "", fmt.Errorf("%w: url is required", vector.ErrValidation)
	}

	if strings.TrimSpace(req.Content) == "" {
		return "", fmt.Errorf("%w: %w", vector.ErrValidation, ErrEmptyDocument)
	}

	parsed := svc.parseContent(parser.FileTypeMarkdown, req.Content)

	origin := req.Source
	if origin == "" {
		origin = "web"
	}

	tags := make([]any, 0, len(req.Tags))
	for _, tag := range req.Tags {
		tags = append(tags, tag)
	}

	clip := map[string]any{
		"url":        req.URL,
		"tags":       tags,
		"origin":     origin,
		"clipped_at": time.Now().UTC().Format(time.RFC3339),
	}

	if req.Title != "" {
		clip["title"] = req.Title
	}

	metadata := mergeMetadata(mergeMetadata(parsed.Metadata, clip), req.Metadata)
	svc.tagProject(metadata, req.Project)

	return svc.Put(ctx, PutRequest{
		Content:  parsed.Text,
		Source:   req.URL,
		FileType: parser.FileTypeMarkdown,
		Metadata: metadata,
		Encrypt:  req.Encrypt,
	})
}

// mergeMetadata returns a new map holding base overlaid by overlay.
func mergeMetadata(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	maps.Copy(merged, base)
	maps.Copy(merged, overlay)
	return merged
}

// tagProject sets the project key from project, falling back to the current
// project when metadata carries none.
func (svc *service) tagProject(metadata map[string]any, project string) {
	project = strings.TrimSpace(project)
	if project != "" {
		metadata[ProjectKey] = project
		return
	}

	if _, ok := metadata[ProjectKey]; ok || svc.cfg.Project == "" {
		return
	}

	metadata[ProjectKey] = svc.cfg.Project
}
