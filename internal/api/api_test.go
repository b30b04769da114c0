package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clarity/internal/connectivity"
	"clarity/internal/files"
	"clarity/internal/history"
	"clarity/internal/localai"
	"clarity/internal/metrics"
	"clarity/internal/orchestrator"
	"clarity/internal/providers"
	"clarity/internal/queue"
	"clarity/internal/storage"
)

type echoProvider struct{}

func (echoProvider) Generate(_ context.Context, req providers.GenerateRequest) (providers.GenerateResponse, error) {
	return providers.GenerateResponse{
		Text:    "remote: " + req.Prompt,
		Sources: []providers.Source{{Title: "src", URI: "https://example.org"}},
	}, nil
}

type testEnv struct {
	server *httptest.Server
	deps   Deps
}

func newEnv(t *testing.T, budget int64, token string) *testEnv {
	t.Helper()
	m := metrics.New()
	kv := storage.NewMemoryKV(budget)
	deps := Deps{
		Orchestrator: orchestrator.New(orchestrator.Config{
			State:   connectivity.NewState(nil),
			Engine:  localai.New(0),
			Text:    echoProvider{},
			Logger:  zerolog.Nop(),
			Metrics: m,
		}),
		History: history.New(history.Config{KV: kv, Logger: zerolog.Nop(), Metrics: m}),
		Files:   files.New(files.Config{KV: kv, Logger: zerolog.Nop(), Metrics: m}),
		Token:   token,
		Logger:  zerolog.Nop(),
		Metrics: m,
	}
	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, deps: deps}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.deps.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.deps.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAIRemoteAndHistory(t *testing.T) {
	env := newEnv(t, 0, "")

	var out AIResponse
	code := env.do(t, http.MethodPost, "/api/ai/podcast", AIRequest{
		Input:      "La photosynthèse",
		HistoryLog: history.StudentLog,
		Tags:       []string{"bio"},
	}, &out)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if out.Result.Mode != orchestrator.ModeRemote || !strings.HasPrefix(out.Result.Text, "remote: ") {
		t.Fatalf("unexpected result %+v", out.Result)
	}
	if out.Entry == nil || out.Entry.Type != "PODCAST" || out.Entry.Tags[0] != "bio" {
		t.Fatalf("unexpected entry %+v", out.Entry)
	}

	var hist struct {
		Entries []history.Entry `json:"entries"`
	}
	if code := env.do(t, http.MethodGet, "/api/history/"+history.StudentLog, nil, &hist); code != http.StatusOK {
		t.Fatalf("history: %d", code)
	}
	if len(hist.Entries) != 1 || hist.Entries[0].ID != out.Entry.ID {
		t.Fatalf("unexpected history %+v", hist.Entries)
	}
}

func TestTenderBlankInputRecordsDefault(t *testing.T) {
	env := newEnv(t, 0, "")

	var out AIResponse
	code := env.do(t, http.MethodPost, "/api/ai/tender", AIRequest{HistoryLog: history.SMELog}, &out)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.HasPrefix(out.Result.Text, "remote: ") || !strings.Contains(out.Result.Text, "Analyse Approfondie DAO") {
		t.Fatalf("default input not analyzed: %q", out.Result.Text)
	}
	if out.Entry == nil || out.Entry.Input != "Analyse Approfondie DAO" || out.Entry.Type != "DAO" {
		t.Fatalf("history must record the analyzed input, got %+v", out.Entry)
	}
}

func TestAIOfflineToggle(t *testing.T) {
	env := newEnv(t, 0, "")

	var conn connectivityView
	if code := env.do(t, http.MethodPut, "/api/connectivity", map[string]bool{"forced_offline": true}, &conn); code != http.StatusOK {
		t.Fatalf("put connectivity: %d", code)
	}
	if !conn.ForcedOffline || !conn.Offline {
		t.Fatalf("unexpected state %+v", conn)
	}

	var out AIResponse
	env.do(t, http.MethodPost, "/api/ai/tender", AIRequest{Input: "Marché de construction de route"}, &out)
	if out.Result.Mode != orchestrator.ModeOffline || !strings.Contains(out.Result.Text, "Pièces Administratives") {
		t.Fatalf("expected local tender analysis, got %+v", out.Result)
	}
	if out.Entry != nil {
		t.Fatalf("no history requested, got entry %+v", out.Entry)
	}

	if code := env.do(t, http.MethodPut, "/api/connectivity", map[string]string{}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing flag, got %d", code)
	}
}

func TestAIValidation(t *testing.T) {
	env := newEnv(t, 0, "")
	if code := env.do(t, http.MethodPost, "/api/ai/horoscope", AIRequest{Input: "x"}, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown operation, got %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/ai/chat", AIRequest{}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty input, got %d", code)
	}
}

func TestBearerToken(t *testing.T) {
	env := newEnv(t, 0, "s3cret")
	resp, err := http.Get(env.server.URL + "/api/files")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if code := env.do(t, http.MethodGet, "/api/files", nil, nil); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}
}

func upload(t *testing.T, env *testEnv, name, mime, category string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("category", category); err != nil {
		t.Fatalf("write field: %v", err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(content)
	_ = mw.Close()

	resp, err := http.Post(env.server.URL+"/api/files", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func TestFilesLifecycle(t *testing.T) {
	env := newEnv(t, storage.DefaultBudget, "")

	content := bytes.Repeat([]byte("%PDF"), 256)
	resp := upload(t, env, "dao.pdf", "application/pdf", files.CategorySME, content)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var saved fileView
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !saved.Inline || saved.Size != 1024 || saved.SizeHuman != "1.0 KiB" {
		t.Fatalf("unexpected saved view %+v", saved)
	}

	img := upload(t, env, "logo.png", "image/png", files.CategoryStudent, []byte{1, 2, 3})
	img.Body.Close()

	var list struct {
		Files []fileView `json:"files"`
	}
	env.do(t, http.MethodGet, "/api/files?type=pdf", nil, &list)
	if len(list.Files) != 1 || list.Files[0].ID != saved.ID {
		t.Fatalf("pdf filter: %+v", list.Files)
	}
	env.do(t, http.MethodGet, "/api/files?category=Student&type=ALL", nil, &list)
	if len(list.Files) != 1 || list.Files[0].Name != "logo.png" {
		t.Fatalf("category filter: %+v", list.Files)
	}

	contentResp, err := http.Get(env.server.URL + "/api/files/" + strconv.FormatInt(saved.ID, 10) + "/content")
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	got := new(bytes.Buffer)
	_, _ = got.ReadFrom(contentResp.Body)
	contentResp.Body.Close()
	if contentResp.Header.Get("Content-Type") != "application/pdf" || !bytes.Equal(got.Bytes(), content) {
		t.Fatalf("content mismatch: %s %d bytes", contentResp.Header.Get("Content-Type"), got.Len())
	}

	path := "/api/files/" + strconv.FormatInt(saved.ID, 10)
	if code := env.do(t, http.MethodDelete, path, nil, &list); code != http.StatusOK || len(list.Files) != 1 {
		t.Fatalf("delete: %d %+v", code, list.Files)
	}
	if code := env.do(t, http.MethodDelete, path, nil, &list); code != http.StatusOK || len(list.Files) != 1 {
		t.Fatalf("second delete must be a no-op: %d %+v", code, list.Files)
	}
}

func TestFilesQuotaIs507(t *testing.T) {
	env := newEnv(t, 1024, "")
	resp := upload(t, env, "big.bin", "application/octet-stream", files.CategorySME, bytes.Repeat([]byte("z"), 2048))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInsufficientStorage {
		t.Fatalf("expected 507, got %d", resp.StatusCode)
	}
}

func TestMediaInlineWithoutQueue(t *testing.T) {
	env := newEnv(t, 0, "")
	env.deps.Orchestrator.State().SetForceOffline(true)

	var st MediaStatus
	code := env.do(t, http.MethodPost, "/api/media", MediaRequest{Kind: queue.KindImageEdit, Image: "data:image/png;base64,AQID", Prompt: "x"}, &st)
	if code != http.StatusOK || st.Status != "done" || st.Result == nil {
		t.Fatalf("unexpected inline status %d %+v", code, st)
	}
	if st.Result.URI != "data:image/png;base64,AQID" || !st.Result.Degraded {
		t.Fatalf("offline edit must return the input image, got %+v", st.Result)
	}

	if code := env.do(t, http.MethodPost, "/api/media", MediaRequest{Kind: queue.KindVideo}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for video without image, got %d", code)
	}
}

func TestMediaQueued(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	env := newEnv(t, 0, "")
	q := queue.NewStreamQueue(rdb, "clarity:media", "workers", "w1", 10*time.Millisecond)
	results := queue.NewResultStore(rdb, time.Hour)
	env.deps.Media = q
	env.deps.Results = results
	env.deps.Dedupe = queue.NewSubmissionDeduplicator(rdb, time.Hour)
	srv := httptest.NewServer(NewHandler(env.deps))
	defer srv.Close()
	env.server = srv

	submit := func() MediaStatus {
		b, _ := json.Marshal(MediaRequest{Kind: queue.KindImage, Prompt: "lion"})
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/media", bytes.NewReader(b))
		req.Header.Set("Idempotency-Key", "k-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", resp.StatusCode)
		}
		var st MediaStatus
		_ = json.NewDecoder(resp.Body).Decode(&st)
		return st
	}
	first := submit()
	second := submit()
	if first.JobID == "" || first.JobID != second.JobID {
		t.Fatalf("idempotent submissions must share a job id: %q %q", first.JobID, second.JobID)
	}
	if n := rdb.XLen(context.Background(), "clarity:media").Val(); n != 1 {
		t.Fatalf("expected one queued job, got %d", n)
	}

	var st MediaStatus
	env.do(t, http.MethodGet, "/api/media/"+first.JobID, nil, &st)
	if st.Status != "pending" {
		t.Fatalf("expected pending, got %+v", st)
	}
	if err := results.Put(context.Background(), queue.MediaOutcome{JobID: first.JobID, Kind: queue.KindImage, URI: "data:image/png;base64,AQID", Mode: "remote"}); err != nil {
		t.Fatalf("put result: %v", err)
	}
	env.do(t, http.MethodGet, "/api/media/"+first.JobID, nil, &st)
	if st.Status != "done" || st.Result == nil || st.Result.URI != "data:image/png;base64,AQID" {
		t.Fatalf("expected finished result, got %+v", st)
	}
}

type flakyQueue struct {
	inner MediaQueue
	calls atomic.Int32
}

func (f *flakyQueue) Enqueue(ctx context.Context, job queue.MediaJob) (queue.MediaJob, error) {
	if f.calls.Add(1) == 1 {
		return queue.MediaJob{}, errors.New("stream unavailable")
	}
	return f.inner.Enqueue(ctx, job)
}

func TestMediaRetryAfterEnqueueFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	env := newEnv(t, 0, "")
	fq := &flakyQueue{inner: queue.NewStreamQueue(rdb, "clarity:media", "workers", "w1", 10*time.Millisecond)}
	env.deps.Media = fq
	env.deps.Results = queue.NewResultStore(rdb, time.Hour)
	env.deps.Dedupe = queue.NewSubmissionDeduplicator(rdb, time.Hour)
	srv := httptest.NewServer(NewHandler(env.deps))
	defer srv.Close()

	submit := func() (int, MediaStatus) {
		b, _ := json.Marshal(MediaRequest{Kind: queue.KindImage, Prompt: "lion"})
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/media", bytes.NewReader(b))
		req.Header.Set("Idempotency-Key", "k1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		defer resp.Body.Close()
		var st MediaStatus
		_ = json.NewDecoder(resp.Body).Decode(&st)
		return resp.StatusCode, st
	}

	if code, _ := submit(); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on enqueue failure, got %d", code)
	}
	code, st := submit()
	if code != http.StatusAccepted || st.JobID == "" {
		t.Fatalf("expected 202 with a job id on retry, got %d %+v", code, st)
	}
	if n := fq.calls.Load(); n != 2 {
		t.Fatalf("retry must enqueue again, got %d enqueue calls", n)
	}
	if n := rdb.XLen(context.Background(), "clarity:media").Val(); n != 1 {
		t.Fatalf("expected one queued job, got %d", n)
	}

	entries := rdb.XRange(context.Background(), "clarity:media", "-", "+").Val()
	var job queue.MediaJob
	if len(entries) != 1 {
		t.Fatalf("expected one stream entry, got %d", len(entries))
	}
	payload, _ := entries[0].Values["payload"].(string)
	if err := json.Unmarshal([]byte(payload), &job); err != nil || job.JobID != st.JobID {
		t.Fatalf("queued job %q does not match returned id %q (err %v)", job.JobID, st.JobID, err)
	}
}
