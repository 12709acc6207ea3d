package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/blevesearch/bleve"

	"github.com/panoptes-ai/panoptes/internal/toolchan"
	"github.com/panoptes-ai/panoptes/internal/tools/rpc"
)

const (
	defaultSearchK = 10
	maxSearchK     = 25

	defaultScanDepth = 3
	maxScanDepth     = 10
)

// Tools advertises the document-store tool surface.
func (s *Store) Tools() []toolchan.ToolDescriptor {
	folderProp := map[string]any{"type": "string"}
	return []toolchan.ToolDescriptor{
		{
			Name:        "list_folders",
			Description: "List subfolders of a folder. Omit parent_folder_id for the root.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"parent_folder_id": folderProp,
				},
			},
		},
		{
			Name:        "list_files",
			Description: "List files directly inside a folder. Omit folder_id for the root.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"folder_id": folderProp,
				},
			},
		},
		{
			Name:        "read_file",
			Description: "Read a file's text. HTML documents return extracted readable text.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_id": map[string]any{"type": "string"},
				},
				"required": []string{"file_id"},
			},
		},
		{
			Name:        "search_documents",
			Description: "Full-text search across all indexed documents.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"k":     map[string]any{"type": "integer", "minimum": 1, "maximum": maxSearchK},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "scan_folder_tree",
			Description: "Recursively walk a folder tree up to max_depth levels.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"folder_id": folderProp,
					"max_depth": map[string]any{"type": "integer", "minimum": 1, "maximum": maxScanDepth},
				},
			},
		},
	}
}

// Call dispatches one tool invocation.
func (s *Store) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	switch name {
	case "list_folders":
		return s.tListFolders(args)
	case "list_files":
		return s.tListFiles(args)
	case "read_file":
		return s.tReadFile(ctx, args)
	case "search_documents":
		return s.tSearchDocuments(args)
	case "scan_folder_tree":
		return s.tScanFolderTree(args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (s *Store) tListFolders(args map[string]any) (map[string]any, error) {
	folder := rpc.Str(args["parent_folder_id"])
	entries, err := s.listDir(folder)
	if err != nil {
		return nil, err
	}
	folders := make([]map[string]any, 0)
	for _, e := range entries {
		if !e.isDir {
			continue
		}
		folders = append(folders, map[string]any{"id": childID(folder, e.name), "name": e.name})
	}
	return map[string]any{"folders": folders}, nil
}

func (s *Store) tListFiles(args map[string]any) (map[string]any, error) {
	folder := rpc.Str(args["folder_id"])
	entries, err := s.listDir(folder)
	if err != nil {
		return nil, err
	}
	files := make([]map[string]any, 0)
	for _, e := range entries {
		if e.isDir {
			continue
		}
		files = append(files, map[string]any{
			"id":   childID(folder, e.name),
			"name": e.name,
			"size": e.size,
		})
	}
	return map[string]any{"files": files}, nil
}

func (s *Store) tReadFile(ctx context.Context, args map[string]any) (map[string]any, error) {
	id := rpc.Str(args["file_id"])
	if id == "" {
		return nil, errors.New("file_id is required")
	}
	text, err := s.extract(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"file_id": id,
		"name":    path.Base(id),
		"text":    text,
	}, nil
}

func (s *Store) tSearchDocuments(args map[string]any) (map[string]any, error) {
	q := rpc.Str(args["query"])
	if q == "" {
		return nil, errors.New("query is required")
	}
	k := rpc.AsInt(args["k"])
	if k == 0 {
		k = defaultSearchK
	}
	k = rpc.ClampInt(k, 1, maxSearchK)

	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k, 0, false)
	searchReq.Highlight = bleve.NewHighlightWithStyle("html")
	res, err := s.index.Search(searchReq)
	if err != nil {
		return nil, err
	}

	hits := make([]map[string]any, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := map[string]any{
			"file_id": h.ID,
			"name":    s.meta[h.ID].Name,
			"score":   h.Score,
		}
		if frags, ok := h.Fragments["content"]; ok && len(frags) > 0 {
			hit["fragment"] = frags[0]
		}
		hits = append(hits, hit)
	}
	return map[string]any{"hits": hits, "total": res.Total}, nil
}

func (s *Store) tScanFolderTree(args map[string]any) (map[string]any, error) {
	folder := rpc.Str(args["folder_id"])
	depth := rpc.AsInt(args["max_depth"])
	if depth == 0 {
		depth = defaultScanDepth
	}
	depth = rpc.ClampInt(depth, 1, maxScanDepth)

	visited := map[string]bool{}
	tree, err := s.scan(folder, depth, visited)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tree": tree}, nil
}

// scan walks one folder level. Two traversal limits are reported as
// distinct labels on the node: "depth_limit_reached" when subfolders
// exist below the depth budget, and "cycle_detected" when a folder
// resolves to a directory already on the walk.
func (s *Store) scan(folder string, depth int, visited map[string]bool) (map[string]any, error) {
	node := map[string]any{
		"id":   folder,
		"name": folderName(folder),
	}

	real, err := s.realPath(folder)
	if err != nil {
		return nil, err
	}
	if visited[real] {
		node["truncated"] = "cycle_detected"
		return node, nil
	}
	visited[real] = true
	defer delete(visited, real)

	entries, err := s.listDir(folder)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0)
	subfolders := make([]string, 0)
	for _, e := range entries {
		if e.isDir {
			subfolders = append(subfolders, e.name)
		} else {
			files = append(files, e.name)
		}
	}
	node["files"] = files

	if len(subfolders) > 0 && depth <= 1 {
		node["truncated"] = "depth_limit_reached"
		return node, nil
	}

	children := make([]map[string]any, 0, len(subfolders))
	for _, name := range subfolders {
		child, err := s.scan(childID(folder, name), depth-1, visited)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	node["folders"] = children
	return node, nil
}

type dirEntry struct {
	name  string
	isDir bool
	size  int64
}

// listDir reads a folder, classifying symlinks by their target so a
// linked directory traverses like a real one.
func (s *Store) listDir(folder string) ([]dirEntry, error) {
	abs, err := s.resolve(folder)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	entries := make([]dirEntry, 0, len(raw))
	for _, e := range raw {
		info, err := os.Stat(filepath.Join(abs, e.Name()))
		if err != nil {
			continue // dangling symlink
		}
		entries = append(entries, dirEntry{name: e.Name(), isDir: info.IsDir(), size: info.Size()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

func (s *Store) realPath(folder string) (string, error) {
	abs, err := s.resolve(folder)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return real, nil
}

func childID(folder, name string) string {
	if folder == "" {
		return name
	}
	return folder + "/" + name
}

func folderName(folder string) string {
	if folder == "" {
		return "/"
	}
	return path.Base(folder)
}
