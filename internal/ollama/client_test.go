package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeOllama serves the endpoints lectern uses. models lists /api/tags;
// embed, when set, answers /api/embed.
type fakeOllama struct {
	models []string
	pull   func(w http.ResponseWriter, model string)
	embed  func(w http.ResponseWriter, req embedRequest)

	pulled   []string
	embedded []embedRequest
}

func (f *fakeOllama) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			w.Write([]byte(`{"version":"0.6.0"}`))
		case "/api/tags":
			var resp struct {
				Models []map[string]string `json:"models"`
			}
			for _, m := range f.models {
				resp.Models = append(resp.Models, map[string]string{"name": m})
			}
			json.NewEncoder(w).Encode(resp)
		case "/api/pull":
			var req struct {
				Model  string `json:"model"`
				Stream bool   `json:"stream"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			f.pulled = append(f.pulled, req.Model)
			if f.pull != nil {
				f.pull(w, req.Model)
				return
			}
			w.Write([]byte(`{"status":"success"}` + "\n"))
		case "/api/embed":
			var req embedRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.embedded = append(f.embedded, req)
			if f.embed != nil {
				f.embed(w, req)
				return
			}
			vecs := make([][]float32, len(req.Input))
			for i := range req.Input {
				vecs[i] = []float32{float32(i), 0.5}
			}
			json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func closedServerURL() string {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	return srv.URL
}

func TestIsRunning(t *testing.T) {
	srv := (&fakeOllama{}).start(t)
	if !New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
	if New(closedServerURL()).IsRunning(context.Background()) {
		t.Error("IsRunning() = true for a closed server")
	}
}

func TestHasModel(t *testing.T) {
	srv := (&fakeOllama{models: []string{"nomic-embed-text:latest", "mxbai-embed-large:v1"}}).start(t)
	c := New(srv.URL)

	tests := []struct {
		name string
		want bool
	}{
		{"nomic-embed-text", true},
		{"nomic-embed-text:latest", true},
		{"nomic-embed-text:v1.5", false},
		{"mxbai-embed-large", false},
		{"mxbai-embed-large:v1", true},
		{"all-minilm", false},
	}
	for _, tt := range tests {
		got, err := c.HasModel(context.Background(), tt.name)
		if err != nil {
			t.Fatalf("HasModel(%q): %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHasModel_Unreachable(t *testing.T) {
	if _, err := New(closedServerURL()).HasModel(context.Background(), "x"); err == nil {
		t.Fatal("expected error when Ollama is unreachable")
	}
}

func TestEmbedMany(t *testing.T) {
	fake := &fakeOllama{}
	srv := fake.start(t)
	c := New(srv.URL, WithKeepAlive("30m"))

	vecs, err := c.EmbedMany(context.Background(), "nomic-embed-text", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if len(vecs) != 3 || vecs[2][0] != 2 {
		t.Errorf("vecs = %v, want input order", vecs)
	}

	if len(fake.embedded) != 1 {
		t.Fatalf("requests = %d, want one request for the batch", len(fake.embedded))
	}
	req := fake.embedded[0]
	if req.Model != "nomic-embed-text" || len(req.Input) != 3 || !req.Truncate || req.KeepAlive != "30m" {
		t.Errorf("request = %+v", req)
	}
}

func TestEmbedMany_Empty(t *testing.T) {
	vecs, err := New(closedServerURL()).EmbedMany(context.Background(), "m", nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedMany(nil) = %v, %v; want no request", vecs, err)
	}
}

func TestEmbed(t *testing.T) {
	srv := (&fakeOllama{}).start(t)

	vec, err := New(srv.URL).Embed(context.Background(), "nomic-embed-text", "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[1] != 0.5 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbed_BadResponses(t *testing.T) {
	tests := []struct {
		name  string
		embed func(w http.ResponseWriter, req embedRequest)
		want  string
	}{
		{
			name: "short",
			embed: func(w http.ResponseWriter, _ embedRequest) {
				w.Write([]byte(`{"embeddings":[]}`))
			},
			want: "got 0 vectors for 1 inputs",
		},
		{
			name: "empty vector",
			embed: func(w http.ResponseWriter, _ embedRequest) {
				w.Write([]byte(`{"embeddings":[[]]}`))
			},
			want: "empty vector",
		},
		{
			name: "server error",
			embed: func(w http.ResponseWriter, _ embedRequest) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("llama runner process has terminated"))
			},
			want: "status 500: llama runner process has terminated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := (&fakeOllama{embed: tt.embed}).start(t)
			_, err := New(srv.URL).Embed(context.Background(), "m", "x")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestEmbed_ModelNotFound(t *testing.T) {
	srv := (&fakeOllama{embed: func(w http.ResponseWriter, _ embedRequest) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"missing\" not found, try pulling it first"}`))
	}}).start(t)

	_, err := New(srv.URL).Embed(context.Background(), "missing", "hello")
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("err = %#v, want *APIError with status 404", err)
	}
}

func TestPull(t *testing.T) {
	fake := &fakeOllama{pull: func(w http.ResponseWriter, _ string) {
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "pulling manifest"})
		enc.Encode(PullProgress{Status: "pulling 970aa74c", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "success"})
	}}
	srv := fake.start(t)

	var got []PullProgress
	if err := New(srv.URL).Pull(context.Background(), "nomic-embed-text", func(p PullProgress) {
		got = append(got, p)
	}); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("progress lines = %d, want 3", len(got))
	}
	if got[0].Percent() != -1 || got[1].Percent() != 50 {
		t.Errorf("percents = %d, %d", got[0].Percent(), got[1].Percent())
	}
	if len(fake.pulled) != 1 || fake.pulled[0] != "nomic-embed-text" {
		t.Errorf("pulled = %v", fake.pulled)
	}
}

func TestPull_ErrorLine(t *testing.T) {
	srv := (&fakeOllama{pull: func(w http.ResponseWriter, _ string) {
		w.Write([]byte(`{"status":"pulling manifest"}` + "\n" + `{"error":"pull model manifest: file does not exist"}` + "\n"))
	}}).start(t)

	err := New(srv.URL).Pull(context.Background(), "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Fatalf("err = %v, want the streamed error", err)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	err := EnsureReady(context.Background(), New(closedServerURL()), "nomic-embed-text", io.Discard)
	if err == nil || !strings.Contains(err.Error(), "Ollama is not running") {
		t.Fatalf("err = %v, want Ollama is not running", err)
	}
}

func TestEnsureReady_ModelPresent(t *testing.T) {
	fake := &fakeOllama{models: []string{"nomic-embed-text:latest"}}
	srv := fake.start(t)

	var out strings.Builder
	if err := EnsureReady(context.Background(), New(srv.URL), "nomic-embed-text", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(fake.pulled) != 0 {
		t.Errorf("pulled %v, want nothing", fake.pulled)
	}
	if len(fake.embedded) != 1 {
		t.Error("model should be warmed with one embedding call")
	}
	if !strings.Contains(out.String(), "embed model nomic-embed-text: ready") {
		t.Errorf("output = %q", out.String())
	}
}

func TestEnsureReady_PullsMissingModel(t *testing.T) {
	fake := &fakeOllama{
		models: []string{"other:latest"},
		pull: func(w http.ResponseWriter, _ string) {
			enc := json.NewEncoder(w)
			enc.Encode(PullProgress{Status: "pulling 970aa74c", Total: 100, Completed: 10})
			enc.Encode(PullProgress{Status: "pulling 970aa74c", Total: 100, Completed: 60})
			enc.Encode(PullProgress{Status: "pulling 970aa74c", Total: 100, Completed: 100})
			enc.Encode(PullProgress{Status: "success"})
		},
	}
	srv := fake.start(t)

	var out strings.Builder
	if err := EnsureReady(context.Background(), New(srv.URL), "nomic-embed-text", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(fake.pulled) != 1 {
		t.Error("missing model should be pulled")
	}
	got := out.String()
	if strings.Count(got, "pulling 970aa74c") != 2 {
		t.Errorf("want the first and final line of a layer only, got:\n%s", got)
	}
	if !strings.Contains(got, "100%") || !strings.Contains(got, "success") {
		t.Errorf("output = %q", got)
	}
}

func TestEnsureReady_WarmUpFailureIsNotFatal(t *testing.T) {
	srv := (&fakeOllama{
		models: []string{"nomic-embed-text:latest"},
		embed: func(w http.ResponseWriter, _ embedRequest) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	}).start(t)

	var out strings.Builder
	if err := EnsureReady(context.Background(), New(srv.URL), "nomic-embed-text", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(out.String(), "warm-up failed") {
		t.Errorf("output = %q", out.String())
	}
}
