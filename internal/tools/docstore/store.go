// Package docstore serves a local document tree over the tool-server
// RPC loop: folder listing, file reading with readable-text extraction
// for HTML, full-text search, and bounded tree traversal.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/blevesearch/bleve"
	readability "github.com/go-shiori/go-readability"
	"github.com/redis/go-redis/v9"

	"github.com/panoptes-ai/panoptes/config"
)

const cacheKeyPrefix = "docstore:text:"

// indexableExts are the file types fed to the search index. read_file
// still serves anything under the root.
var indexableExts = map[string]bool{
	".txt":  true,
	".md":   true,
	".html": true,
	".htm":  true,
	".csv":  true,
	".json": true,
}

type docMeta struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
	Size   int64  `json:"size"`
}

// Store is a document root with a full-text index and an optional
// redis cache of extracted text.
type Store struct {
	root     string
	index    bleve.Index
	meta     map[string]docMeta
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *log.Logger
}

// New opens the document root and builds the in-memory index.
func New(root string, cacheCfg config.CacheConfig, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[DOCSTORE] ", log.LstdFlags)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("document root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document root %s is not a directory", root)
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	s := &Store{
		root:     root,
		index:    index,
		meta:     map[string]docMeta{},
		logger:   logger,
		cacheTTL: cacheCfg.TTL,
	}
	if cacheCfg.RedisAddr != "" {
		s.cache = redis.NewClient(&redis.Options{
			Addr:     cacheCfg.RedisAddr,
			Password: cacheCfg.RedisPassword,
			DB:       cacheCfg.RedisDB,
		})
	}

	if err := s.buildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) buildIndex() error {
	start := time.Now()
	count := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !indexableExts[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		text, err := s.extract(context.Background(), id)
		if err != nil {
			s.logger.Printf("skipping %s: %v", id, err)
			return nil
		}
		m := docMeta{
			ID:     id,
			Name:   d.Name(),
			Folder: path.Dir(id),
			Size:   info.Size(),
		}
		s.meta[id] = m
		count++
		return s.index.Index(id, map[string]any{
			"name":    m.Name,
			"content": text,
		})
	})
	if err != nil {
		return fmt.Errorf("index documents: %w", err)
	}
	s.logger.Printf("indexed %d documents in %s", count, time.Since(start).Round(time.Millisecond))
	return nil
}

// extract returns the readable text of a file, consulting the cache
// when one is configured. HTML goes through readability; everything
// else is served raw.
func (s *Store) extract(ctx context.Context, id string) (string, error) {
	key := cacheKeyPrefix + id
	if s.cache != nil {
		if text, err := s.cache.Get(ctx, key).Result(); err == nil {
			return text, nil
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Printf("cache get %s: %v", id, err)
		}
	}

	abs, err := s.resolve(id)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}

	text := string(raw)
	ext := strings.ToLower(filepath.Ext(id))
	if ext == ".html" || ext == ".htm" {
		article, err := readability.FromReader(bytes.NewReader(raw), &url.URL{Scheme: "file", Path: "/" + id})
		if err != nil {
			return "", fmt.Errorf("extract %s: %w", id, err)
		}
		text = article.TextContent
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, text, s.cacheTTL).Err(); err != nil {
			s.logger.Printf("cache set %s: %v", id, err)
		}
	}
	return text, nil
}

// resolve maps a document or folder id to an absolute path, refusing
// anything that escapes the root.
func (s *Store) resolve(id string) (string, error) {
	if strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid path %q", id)
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+id), "/")
	if cleaned == "" {
		return s.root, nil
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}
