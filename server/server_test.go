package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/docrobotics/viewerd/chat"
	"github.com/docrobotics/viewerd/config"
	"github.com/docrobotics/viewerd/server"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func newTestServer(t *testing.T) (*httptest.Server, config.Config) {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.SchemaDir = filepath.Join(root, "schemas")
	cfg.ModelDir = filepath.Join(root, "model")

	writeFile(t, filepath.Join(cfg.SchemaDir, "motivation-layer.schema.json"), `{"title":"Motivation"}`)
	writeFile(t, filepath.Join(cfg.SchemaDir, "link-registry.json"), `{"metadata":{"totalLinkTypes":1}}`)
	writeFile(t, filepath.Join(cfg.ModelDir, "manifest.yaml"), "version: \"0.1.0\"\nlayers: {}\n")
	writeFile(t, filepath.Join(cfg.DataDir, "annotations.json"), `{"annotations":[{"id":"ann-1","elementId":"el-1","author":"Alice","content":"note"}]}`)
	writeFile(t, filepath.Join(cfg.DataDir, "changesets", "registry.json"), `{"version":"1.0","changesets":{}}`)

	srv := server.New(cfg, chat.NewAnthropicClient(""))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, cfg
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("expected status %d for %s, got %d", wantStatus, url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	getJSON(t, ts.URL+"/health", http.StatusOK, &body)

	if body["status"] != "ok" {
		t.Errorf("expected ok status, got %q", body["status"])
	}
	if body["version"] != server.Version {
		t.Errorf("expected version %q, got %q", server.Version, body["version"])
	}
}

func TestSpecEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var body struct {
		Type        string                     `json:"type"`
		SchemaCount int                        `json:"schema_count"`
		Schemas     map[string]json.RawMessage `json:"schemas"`
	}
	getJSON(t, ts.URL+"/api/spec", http.StatusOK, &body)

	if body.Type != "schema-collection" || body.SchemaCount != 1 {
		t.Errorf("unexpected spec payload: %+v", body)
	}
	if _, ok := body.Schemas["motivation-layer.schema.json"]; !ok {
		t.Error("expected the schema file to be served")
	}
}

func TestModelEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var body struct {
		Version string `json:"version"`
		Layers  map[string]json.RawMessage
	}
	getJSON(t, ts.URL+"/api/model", http.StatusOK, &body)

	if body.Version != "0.1.0" {
		t.Errorf("unexpected model version %q", body.Version)
	}
}

func TestLinkRegistryEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var body struct {
		Metadata struct {
			TotalLinkTypes int `json:"totalLinkTypes"`
		} `json:"metadata"`
	}
	getJSON(t, ts.URL+"/api/link-registry", http.StatusOK, &body)

	if body.Metadata.TotalLinkTypes != 1 {
		t.Errorf("expected the registry to be served verbatim, got %+v", body)
	}
}

func TestChangesetEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	var registry struct {
		Version string `json:"version"`
	}
	getJSON(t, ts.URL+"/api/changesets", http.StatusOK, &registry)
	if registry.Version != "1.0" {
		t.Errorf("unexpected registry version %q", registry.Version)
	}

	getJSON(t, ts.URL+"/api/changesets/nope", http.StatusNotFound, nil)
}

func TestAnnotationsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var body struct {
		Annotations []struct {
			ID string `json:"id"`
		} `json:"annotations"`
	}
	getJSON(t, ts.URL+"/api/annotations", http.StatusOK, &body)
	if len(body.Annotations) != 1 {
		t.Fatalf("expected 1 annotation, got %d", len(body.Annotations))
	}

	getJSON(t, ts.URL+"/api/annotations?elementId=missing", http.StatusOK, &body)
	if len(body.Annotations) != 0 {
		t.Errorf("expected no annotations for unknown element, got %d", len(body.Annotations))
	}
}

func TestSpecEndpointMissingDir(t *testing.T) {
	cfg := config.Default()
	root := t.TempDir()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.SchemaDir = filepath.Join(root, "nope")
	cfg.ModelDir = filepath.Join(root, "model")

	srv := server.New(cfg, chat.NewAnthropicClient(""))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	getJSON(t, ts.URL+"/api/spec", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/api/model", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/api/link-registry", http.StatusNotFound, nil)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected metrics endpoint to serve, got %d", resp.StatusCode)
	}
}
