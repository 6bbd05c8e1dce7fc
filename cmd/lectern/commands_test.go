package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/kalambet/lectern/internal/api"
	"github.com/kalambet/lectern/internal/config"
	"github.com/kalambet/lectern/internal/storage"
	"github.com/kalambet/lectern/internal/study"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

// newTestServer answers "METHOD /path" keys with canned bodies. Bodies that
// start with "event:" are sent as an event stream.
func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasPrefix(resp, "event:") {
				w.Header().Set("Content-Type", "text/event-stream")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:      ts.server.URL,
		token:        "test-token",
		httpClient:   ts.server.Client(),
		streamClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func withNoColor(t *testing.T) {
	t.Helper()
	old := noColor
	noColor = true
	t.Cleanup(func() { noColor = old })
}

func TestUpload_Multipart(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /books": `{"id":"book-1","status":"queued"}`,
	})

	resp, err := ts.client().upload(ctx, "/tmp/some/dir/novel.epub", []byte("PK-data"), "Novel")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != "book-1" {
		t.Errorf("id = %q, want book-1", result["id"])
	}

	r := ts.requests[0]
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q, want multipart/form-data", r.ContentType)
	}
	if !strings.Contains(r.Body, `filename="novel.epub"`) {
		t.Errorf("body should carry the base file name, got %q", r.Body)
	}
	if !strings.Contains(r.Body, "Novel") {
		t.Error("body should carry the title field")
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestListBooks(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"GET /books": `[{"id":"b1","title":"Moby Dick","filename":"moby.epub","format":"epub","page_count":135,"status":"ready"},
		               {"id":"b2","title":"","filename":"paper.pdf","format":"pdf","page_count":0,"status":"processing"}]`,
	})

	books, err := listBooks(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(books) != 2 {
		t.Fatalf("expected 2 books, got %d", len(books))
	}

	var out bytes.Buffer
	printBooks(&out, books)
	got := out.String()
	for _, want := range []string{"b1", "ready", "135 pages", "Moby Dick", "paper.pdf"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPrintBooks_Empty(t *testing.T) {
	var out bytes.Buffer
	printBooks(&out, nil)
	if !strings.Contains(out.String(), "lectern upload") {
		t.Errorf("empty list should hint at upload, got %q", out.String())
	}
}

func TestFollowProgress(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"GET /books/b1/progress": "event: progress\ndata: {\"stage\":\"parse\",\"percent\":40}\n\n" +
			"event: progress\ndata: {\"stage\":\"index\",\"percent\":75,\"attempted\":5,\"total\":10}\n\n" +
			"event: progress\ndata: {\"stage\":\"index\",\"percent\":100,\"attempted\":10,\"total\":10,\"done\":true}\n\n" +
			"event: progress\ndata: {\"stage\":\"index\",\"percent\":100,\"done\":true}\n\n",
	})

	var out bytes.Buffer
	if err := followProgress(ctx, ts.client(), "b1", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, " 75% index") || !strings.Contains(got, "5/10 paragraphs") {
		t.Errorf("missing intermediate line:\n%q", got)
	}
	if strings.Count(got, "\r") != 3 {
		t.Errorf("expected 3 redraws (stream stops at the terminal snapshot), got %q", got)
	}
	if ts.requests[0].Path != "/books/b1/progress?stream=1" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestFollowProgress_Failed(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"GET /books/b1/progress": "event: progress\ndata: {\"stage\":\"parse\",\"percent\":30,\"error\":\"pdf: malformed\"}\n\n",
	})

	err := followProgress(ctx, ts.client(), "b1", &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "pdf: malformed") {
		t.Fatalf("err = %v, want indexing failure", err)
	}
}

func TestFollowProgress_HTTPError(t *testing.T) {
	ts := newTestServer(t, nil)

	err := followProgress(ctx, ts.client(), "missing", &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestAskQuestion(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"POST /books/b1/chat": "event: tool_call\ndata: {\"name\":\"find_relevant_passages\",\"args\":\"{\\\"query\\\":\\\"whale\\\"}\"}\n\n" +
			"event: tool_result\ndata: {\"name\":\"find_relevant_passages\",\"content\":\"[page 3] Call me Ishmael.\"}\n\n" +
			"event: delta\ndata: {\"text\":\"The narrator \"}\n\n" +
			"event: delta\ndata: {\"text\":\"is Ishmael.\"}\n\n" +
			"event: done\ndata: {\"answer\":\"The narrator is Ishmael.\",\"steps\":2}\n\n",
	})

	var out, info bytes.Buffer
	done, err := askQuestion(ctx, ts.client(), "b1", "who narrates?", &out, &info)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != "The narrator is Ishmael.\n" {
		t.Errorf("answer = %q", out.String())
	}
	if done.Steps != 2 || done.Partial {
		t.Errorf("done = %+v", done)
	}
	if !strings.Contains(info.String(), "find_relevant_passages") || !strings.Contains(info.String(), "Call me Ishmael.") {
		t.Errorf("tool activity missing from info:\n%s", info.String())
	}

	var body api.ChatRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Question != "who narrates?" {
		t.Errorf("question = %q", body.Question)
	}
}

func TestAskQuestion_Failed(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /books/b1/chat": "event: failed\ndata: {\"error\":\"model unavailable\"}\n\n",
	})

	var out, info bytes.Buffer
	_, err := askQuestion(ctx, ts.client(), "b1", "q", &out, &info)
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("err = %v, want failed event", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no answer text, got %q", out.String())
	}
}

func TestRecallCommand(t *testing.T) {
	withNoColor(t)
	ts := newTestServer(t, map[string]string{
		"GET /books/b1/recall": `{"passages":[{"page":2,"text":"Call me Ishmael.","score":0.91}]}`,
	})

	var out bytes.Buffer
	if err := runRecall(ctx, ts.client(), "b1", "who & why?", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "[page 3, score: 0.910]") {
		t.Errorf("output = %q, want one-based page and score", out.String())
	}
	if ts.requests[0].Path != "/books/b1/recall?q=who+%26+why%3F" {
		t.Errorf("path = %q, want query escaped", ts.requests[0].Path)
	}
}

func TestRecallCommand_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /books/b1/recall": `{"passages":[]}`,
	})

	var out bytes.Buffer
	if err := runRecall(ctx, ts.client(), "b1", "nothing", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "No relevant passages") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStudyBody(t *testing.T) {
	tests := []struct {
		args    []string
		want    map[string]any
		wantErr bool
	}{
		{args: nil, want: map[string]any{"from_page": 0}},
		{args: []string{"--from", "3", "--to", "5"}, want: map[string]any{"from_page": 2, "to_page": 4}},
		{args: []string{"--from", "0"}, wantErr: true},
		{args: []string{"--from", "5", "--to", "2"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			cmd := &cobra.Command{Use: "summary"}
			addPageFlags(cmd)
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}

			got, err := studyBody(cmd)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("body = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestPrintQuiz(t *testing.T) {
	withNoColor(t)
	quiz := []study.Question{{
		Question: "Who is the narrator?",
		Options:  []string{"Ahab", "Ishmael", "Starbuck"},
		Answer:   "Ishmael",
	}}

	var hidden, shown bytes.Buffer
	printQuiz(&hidden, quiz, false)
	printQuiz(&shown, quiz, true)

	if !strings.Contains(hidden.String(), "b) Ishmael") {
		t.Errorf("options not lettered:\n%s", hidden.String())
	}
	if strings.Contains(hidden.String(), "*") {
		t.Error("answers should be hidden by default")
	}
	if !strings.Contains(shown.String(), "* b) Ishmael") {
		t.Errorf("answer not marked:\n%s", shown.String())
	}
}

func TestCreateUser(t *testing.T) {
	var saved storage.User
	store := &fakeUserStore{create: func(u storage.User) error {
		saved = u
		return nil
	}}

	u, err := createUser(store, "  ada ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Name != "ada" {
		t.Errorf("name = %q, want trimmed", u.Name)
	}
	if !strings.HasPrefix(u.Token, "lct_") || strings.Contains(u.Token, "-") {
		t.Errorf("token = %q, want lct_ prefix without dashes", u.Token)
	}
	if saved.ID != u.ID || saved.Token != u.Token {
		t.Errorf("stored %+v, returned %+v", saved, u)
	}
}

func TestCreateUser_Errors(t *testing.T) {
	store := &fakeUserStore{create: func(storage.User) error { return errors.New("disk full") }}

	if _, err := createUser(store, "   "); err == nil {
		t.Error("expected error for blank name")
	}
	if _, err := createUser(store, "ada"); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v, want store error", err)
	}
}

type fakeUserStore struct {
	create func(storage.User) error
}

func (f *fakeUserStore) CreateUser(u storage.User) error { return f.create(u) }

func TestResolveMCPUser(t *testing.T) {
	ada := storage.User{ID: "u1", Name: "ada"}
	bob := storage.User{ID: "u2", Name: "bob"}

	tests := []struct {
		name    string
		users   []storage.User
		want    string
		wantID  string
		wantErr bool
	}{
		{name: "single user", users: []storage.User{ada}, wantID: "u1"},
		{name: "by name", users: []storage.User{ada, bob}, want: "bob", wantID: "u2"},
		{name: "by id", users: []storage.User{ada, bob}, want: "u1", wantID: "u1"},
		{name: "ambiguous", users: []storage.User{ada, bob}, wantErr: true},
		{name: "no users", users: nil, wantErr: true},
		{name: "unknown", users: []storage.User{ada}, want: "carol", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := resolveMCPUser(tt.users, tt.want)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", u)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.ID != tt.wantID {
				t.Errorf("id = %q, want %q", u.ID, tt.wantID)
			}
		})
	}
}

func TestBookCounts(t *testing.T) {
	books := []api.BookView{
		{Status: storage.BookReady},
		{Status: storage.BookProcessing},
		{Status: storage.BookReady},
	}
	if got := bookCounts(books); got != "3 (2 ready, 1 processing)" {
		t.Errorf("bookCounts = %q", got)
	}
	if got := bookCounts(nil); got != "0" {
		t.Errorf("bookCounts(nil) = %q, want 0", got)
	}
}

func TestReadEvents(t *testing.T) {
	stream := "event: a\ndata: one\n\n" +
		": comment\n" +
		"data: line1\ndata: line2\n\n" +
		"event: b\ndata:no-space\n\n"

	type ev struct{ name, data string }
	var got []ev
	err := readEvents(strings.NewReader(stream), func(event string, data []byte) error {
		got = append(got, ev{event, string(data)})
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []ev{{"a", "one"}, {"message", "line1\nline2"}, {"b", "no-space"}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReadEvents_StopsOnError(t *testing.T) {
	stream := "event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"
	calls := 0
	err := readEvents(strings.NewReader(stream), func(string, []byte) error {
		calls++
		return errStopStream
	})
	if !errors.Is(err, errStopStream) {
		t.Fatalf("err = %v, want errStopStream", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		percent int
		want    string
	}{
		{0, "[----------]"},
		{50, "[#####-----]"},
		{100, "[##########]"},
		{150, "[##########]"},
		{-5, "[----------]"},
	}
	for _, tt := range tests {
		if got := progressBar(tt.percent, 10); got != tt.want {
			t.Errorf("progressBar(%d) = %q, want %q", tt.percent, got, tt.want)
		}
	}
}

func TestMissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	for _, args := range [][]string{{"ask", "b1"}, {"upload"}, {"recall"}, {"delete"}} {
		rootCmd.SetArgs(args)
		err := rootCmd.Execute()
		if err == nil {
			t.Fatalf("%v: expected error for missing args", args)
		}
		if !strings.Contains(err.Error(), "arg(s)") {
			t.Errorf("%v: error = %q, want it to mention arg(s)", args, err.Error())
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid API token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/books")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid API token") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}
