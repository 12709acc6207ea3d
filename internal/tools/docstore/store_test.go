package docstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/panoptes-ai/panoptes/config"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Maintenance Windows</title></head>
<body>
<article>
<h1>Maintenance Windows</h1>
<p>Scheduled maintenance windows for the turbine hall run every second
Tuesday of the month. During a window, engineers rotate compressors out
of service one at a time so the plant keeps generating at reduced
capacity. Unplanned outages follow a separate escalation procedure that
is documented in the operations runbook.</p>
</article>
</body>
</html>`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()

	write := func(rel, content string) {
		t.Helper()
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("overview.txt", "alpha document about engines and compressors")
	write("docs/notes.md", "beta notes mention turbines and maintenance windows")
	write("docs/page.html", samplePage)
	write("nested/deep1/deep2/deep3/leaf.txt", "bottom of the tree")

	if err := os.MkdirAll(filepath.Join(root, "ring"), 0o755); err != nil {
		t.Fatalf("mkdir ring: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "ring"), filepath.Join(root, "ring", "self")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	s, err := New(root, config.CacheConfig{}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func call(t *testing.T, s *Store, tool string, args map[string]any) map[string]any {
	t.Helper()
	res, err := s.Call(context.Background(), tool, args)
	if err != nil {
		t.Fatalf("%s: %v", tool, err)
	}
	return res
}

func TestListFoldersAndFiles(t *testing.T) {
	s := newTestStore(t)

	res := call(t, s, "list_folders", map[string]any{"parent_folder_id": ""})
	folders := res["folders"].([]map[string]any)
	names := make([]string, 0, len(folders))
	for _, f := range folders {
		names = append(names, f["name"].(string))
	}
	if len(names) != 3 || names[0] != "docs" || names[1] != "nested" || names[2] != "ring" {
		t.Fatalf("folders = %v", names)
	}

	res = call(t, s, "list_files", map[string]any{"folder_id": "docs"})
	files := res["files"].([]map[string]any)
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if files[0]["id"] != "docs/notes.md" || files[1]["id"] != "docs/page.html" {
		t.Fatalf("file ids = %v", files)
	}
}

func TestReadFilePlain(t *testing.T) {
	s := newTestStore(t)
	res := call(t, s, "read_file", map[string]any{"file_id": "overview.txt"})
	if !strings.Contains(res["text"].(string), "compressors") {
		t.Fatalf("text = %q", res["text"])
	}
	if res["name"] != "overview.txt" {
		t.Fatalf("name = %v", res["name"])
	}
}

func TestReadFileHTMLExtractsText(t *testing.T) {
	s := newTestStore(t)
	res := call(t, s, "read_file", map[string]any{"file_id": "docs/page.html"})
	text := res["text"].(string)
	if !strings.Contains(text, "turbine hall") {
		t.Fatalf("extracted text missing content: %q", text)
	}
	if strings.Contains(text, "<p>") || strings.Contains(text, "<html") {
		t.Fatalf("markup leaked into extracted text: %q", text)
	}
}

func TestReadFileErrors(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Call(context.Background(), "read_file", map[string]any{"file_id": "ghost.txt"}); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := s.Call(context.Background(), "read_file", map[string]any{"file_id": "../etc/passwd"}); err == nil {
		t.Fatal("expected error for path escaping the root")
	}
	if _, err := s.Call(context.Background(), "read_file", map[string]any{}); err == nil {
		t.Fatal("expected error for missing file_id")
	}
}

func TestSearchDocuments(t *testing.T) {
	s := newTestStore(t)
	res := call(t, s, "search_documents", map[string]any{"query": "turbines"})
	hits := res["hits"].([]map[string]any)
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0]["file_id"] != "docs/notes.md" {
		t.Fatalf("top hit = %v", hits[0])
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Call(context.Background(), "search_documents", map[string]any{}); err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestScanFolderTreeDepthLimit(t *testing.T) {
	s := newTestStore(t)
	res := call(t, s, "scan_folder_tree", map[string]any{"folder_id": "nested", "max_depth": 2})
	tree := res["tree"].(map[string]any)
	children := tree["folders"].([]map[string]any)
	if len(children) != 1 {
		t.Fatalf("children = %v", children)
	}
	deep1 := children[0]
	if deep1["truncated"] != "depth_limit_reached" {
		t.Fatalf("deep1 = %v", deep1)
	}
	if _, ok := deep1["folders"]; ok {
		t.Fatal("truncated node should not recurse")
	}
}

func TestScanFolderTreeCycle(t *testing.T) {
	s := newTestStore(t)
	res := call(t, s, "scan_folder_tree", map[string]any{"folder_id": "ring", "max_depth": 5})
	tree := res["tree"].(map[string]any)
	children := tree["folders"].([]map[string]any)
	if len(children) != 1 {
		t.Fatalf("children = %v", children)
	}
	self := children[0]
	if self["truncated"] != "cycle_detected" {
		t.Fatalf("cycle node = %v", self)
	}
}

func TestUnknownTool(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Call(context.Background(), "bogus", nil); err == nil {
		t.Fatal("expected unknown tool error")
	}
}
