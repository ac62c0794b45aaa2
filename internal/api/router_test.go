package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/nzbstream/internal/api/controllers"
	"github.com/datallboy/nzbstream/internal/app"
	"github.com/datallboy/nzbstream/internal/decoding"
	"github.com/datallboy/nzbstream/internal/infra/config"
	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/infra/metrics"
	"github.com/datallboy/nzbstream/internal/nntp"
	"github.com/datallboy/nzbstream/internal/nntp/nntptest"
	"github.com/datallboy/nzbstream/internal/rar/rartest"
)

// postRelease uploads every volume to srv in parts of partSize and returns
// the matching NZB document.
func postRelease(srv *nntptest.Server, name string, vols [][]byte, partSize int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">` + "\n")
	for v, vol := range vols {
		fname := fmt.Sprintf("%s.part%d.rar", name, v+1)
		total := (len(vol) + partSize - 1) / partSize
		fmt.Fprintf(&b, `<file poster="t@example.com" date="1700000000" subject="[%d/%d] &quot;%s&quot; yEnc (1/%d)">`+"\n",
			v+1, len(vols), fname, total)
		b.WriteString("<groups><group>alt.binaries.test</group></groups><segments>\n")
		for p := 0; p < total; p++ {
			begin := p * partSize
			end := min(begin+partSize, len(vol))
			body := decoding.Encode(vol[begin:end], decoding.EncodeOptions{
				Name:     fname,
				FileSize: int64(len(vol)),
				Part:     p + 1,
				Total:    total,
				Begin:    int64(begin) + 1,
			})
			id := nntptest.Article(fmt.Sprintf("%s-v%d", name, v), p)
			srv.AddArticle(id, body)
			fmt.Fprintf(&b, `<segment bytes="%d" number="%d">%s</segment>`+"\n", len(body), p+1, id)
		}
		b.WriteString("</segments></file>\n")
	}
	b.WriteString("</nzb>\n")
	return b.String()
}

func movieBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i>>9)
	}
	return b
}

type testServer struct {
	e   *echo.Echo
	app *app.Context
}

func newTestServer(t *testing.T, srv *nntptest.Server) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Servers: []config.ServerConfig{{ID: "test", Host: srv.Host(), Port: srv.Port(), MaxConnection: 4, Priority: 1}},
		Pool: config.PoolConfig{
			ConnectTimeout:    2 * time.Second,
			FetchTimeout:      2 * time.Second,
			CheckoutTimeout:   2 * time.Second,
			MaxAttempts:       2,
			RetryBackoff:      time.Millisecond,
			ReconnectAttempts: 2,
			ReconnectBackoff:  time.Millisecond,
			DeadCooldown:      time.Minute,
		},
		Cache: config.CacheConfig{CapacityBytes: 16 << 20},
		Prefetch: config.PrefetchConfig{
			InitialWindowBytes: 32 << 10,
			MaxWindowBytes:     128 << 10,
			Workers:            2,
			QueueSize:          32,
		},
		Stream: config.StreamConfig{ReadParallelism: 4, MismatchPolicy: config.MismatchReject},
		Store:  config.StoreConfig{SQLitePath: filepath.Join(dir, "nzbstream.db"), BlobDir: filepath.Join(dir, "nzb")},
	}

	log := logger.Nop()
	m := metrics.New()
	a := app.NewContext(cfg, log, m)
	if err := a.StartStreaming(nntp.NewManager(cfg.Servers, cfg.Pool, log, m)); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if err := a.OpenStore(); err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	e := echo.New()
	RegisterRoutes(e, a)
	return &testServer{e: e, app: a}
}

func (s *testServer) do(method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRoutes_streamRelease(t *testing.T) {
	srv := nntptest.NewServer(t)
	movie := movieBytes(60000)
	vols := rartest.Archive{Files: []rartest.File{{Name: "Show.S01E01.mkv", Data: movie}}, VolumeData: 25000}.RAR5()
	doc := postRelease(srv, "show", vols, 8000)
	ts := newTestServer(t, srv)

	// multipart upload
	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, _ := mw.CreateFormFile("nzb", "Show.S01E01.nzb")
	io.WriteString(fw, doc)
	mw.Close()
	rec := ts.do(http.MethodPost, "/api/releases", &form, map[string]string{echo.HeaderContentType: mw.FormDataContentType()})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	rel := decodeJSON[controllers.ReleaseResponse](t, rec)
	if rel.Title != "Show.S01E01" {
		t.Errorf("title = %q", rel.Title)
	}

	// the same bytes as a raw body are a duplicate
	rec = ts.do(http.MethodPost, "/api/releases", strings.NewReader(doc), nil)
	if rec.Code != http.StatusOK || !decodeJSON[controllers.ReleaseResponse](t, rec).Duplicate {
		t.Fatalf("re-upload: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/api/releases/"+rel.ID, nil, nil)
	if got := decodeJSON[controllers.ReleaseResponse](t, rec); rec.Code != http.StatusOK || len(got.Files) != 3 {
		t.Fatalf("get release: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/api/releases/"+rel.ID+"/entries", nil, nil)
	entries := decodeJSON[[]controllers.EntryResponse](t, rec)
	if rec.Code != http.StatusOK || len(entries) != 1 {
		t.Fatalf("entries: %d %s", rec.Code, rec.Body.String())
	}
	if e := entries[0]; e.Name != "Show.S01E01.mkv" || e.Size != 60000 || !e.Streamable || !e.Video || e.Volumes != 3 {
		t.Errorf("entry = %+v", e)
	}

	rec = ts.do(http.MethodPost, "/api/sessions", strings.NewReader(`{"release_id":"`+rel.ID+`"}`),
		map[string]string{echo.HeaderContentType: echo.MIMEApplicationJSON})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	sess := decodeJSON[controllers.SessionResponse](t, rec)

	// a range across the first volume boundary
	rec = ts.do(http.MethodGet, sess.URL, nil, map[string]string{"Range": "bytes=24990-25009"})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("ranged GET: %d %s", rec.Code, rec.Body.String())
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 24990-25009/60000" {
		t.Errorf("Content-Range = %q", cr)
	}
	if !bytes.Equal(rec.Body.Bytes(), movie[24990:25010]) {
		t.Error("ranged body is wrong")
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "video/x-matroska" {
		t.Errorf("Content-Type = %q", ct)
	}

	// suffix range, and only the first of several ranges
	rec = ts.do(http.MethodGet, sess.URL, nil, map[string]string{"Range": "bytes=-100"})
	if rec.Code != http.StatusPartialContent || !bytes.Equal(rec.Body.Bytes(), movie[59900:]) {
		t.Errorf("suffix range: %d", rec.Code)
	}
	rec = ts.do(http.MethodGet, sess.URL, nil, map[string]string{"Range": "bytes=0-9,100-109"})
	if rec.Code != http.StatusPartialContent || !bytes.Equal(rec.Body.Bytes(), movie[:10]) {
		t.Errorf("multi range: %d %q", rec.Code, rec.Header().Get(echo.HeaderContentType))
	}

	rec = ts.do(http.MethodGet, sess.URL, nil, map[string]string{"Range": "bytes=70000-"})
	if rec.Code != http.StatusRequestedRangeNotSatisfiable || rec.Header().Get("Content-Range") != "bytes */60000" {
		t.Errorf("unsatisfiable range: %d %q", rec.Code, rec.Header().Get("Content-Range"))
	}

	rec = ts.do(http.MethodHead, sess.URL, nil, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Length") != strconv.Itoa(len(movie)) || rec.Body.Len() != 0 {
		t.Errorf("HEAD: %d length %q body %d", rec.Code, rec.Header().Get("Content-Length"), rec.Body.Len())
	}

	// find-or-create by release
	rec = ts.do(http.MethodGet, "/releases/"+rel.ID+"/stream", nil, nil)
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), movie) {
		t.Fatalf("release stream: %d, %d bytes", rec.Code, rec.Body.Len())
	}
	first := rec.Header().Get("X-Session-Id")
	rec = ts.do(http.MethodHead, "/releases/"+rel.ID+"/stream", nil, nil)
	if rec.Header().Get("X-Session-Id") != first {
		t.Error("the same client should get its session back")
	}

	rec = ts.do(http.MethodGet, "/api/sessions", nil, nil)
	if list := decodeJSON[[]controllers.SessionResponse](t, rec); len(list) != 2 {
		t.Errorf("sessions = %s", rec.Body.String())
	}
	rec = ts.do(http.MethodGet, "/api/sessions/"+sess.ID, nil, nil)
	if got := decodeJSON[controllers.SessionResponse](t, rec); got.Reads == 0 || got.Size != 60000 {
		t.Errorf("session stats = %s", rec.Body.String())
	}

	if rec = ts.do(http.MethodDelete, "/api/sessions/"+sess.ID, nil, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete session: %d", rec.Code)
	}
	if rec = ts.do(http.MethodGet, sess.URL, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("stream of a closed session: %d", rec.Code)
	}

	// deleting the release closes what still streams from it
	if rec = ts.do(http.MethodDelete, "/api/releases/"+rel.ID, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete release: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(http.MethodGet, "/api/sessions", nil, nil)
	if list := decodeJSON[[]controllers.SessionResponse](t, rec); len(list) != 0 {
		t.Errorf("sessions after release delete = %s", rec.Body.String())
	}
	if rec = ts.do(http.MethodGet, "/releases/"+rel.ID+"/stream", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("stream of a deleted release: %d", rec.Code)
	}
}

func TestRoutes_errors(t *testing.T) {
	srv := nntptest.NewServer(t)
	ts := newTestServer(t, srv)

	if rec := ts.do(http.MethodGet, "/api/releases/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown release: %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/releases", strings.NewReader("<html></html>"), nil); rec.Code != http.StatusBadRequest {
		t.Errorf("garbage upload: %d %s", rec.Code, rec.Body.String())
	}
	noRar := `<nzb><file subject="&quot;a.mkv&quot; yEnc"><segments><segment bytes="5" number="1">a@x</segment></segments></file></nzb>`
	if rec := ts.do(http.MethodPost, "/api/releases", strings.NewReader(noRar), nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("nzb without rar: %d", rec.Code)
	}
	rec := ts.do(http.MethodPost, "/api/sessions", strings.NewReader(`{}`),
		map[string]string{echo.HeaderContentType: echo.MIMEApplicationJSON})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("session without release: %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/stream/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: %d", rec.Code)
	}

	// the articles of this release were never posted
	missing := `<nzb><file subject="&quot;gone.rar&quot; yEnc"><segments><segment bytes="5" number="1">gone@x</segment></segments></file></nzb>`
	rec = ts.do(http.MethodPost, "/api/releases", strings.NewReader(missing), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	rel := decodeJSON[controllers.ReleaseResponse](t, rec)
	if rec := ts.do(http.MethodGet, "/api/releases/"+rel.ID+"/entries", nil, nil); rec.Code != http.StatusBadGateway {
		t.Errorf("entries of an expired release: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRoutes_healthAndMetrics(t *testing.T) {
	srv := nntptest.NewServer(t)
	ts := newTestServer(t, srv)

	rec := ts.do(http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	health := decodeJSON[controllers.HealthResponse](t, rec)
	if health.Status != "ok" || health.Schema != 1 || len(health.Providers) != 1 {
		t.Errorf("health = %+v", health)
	}

	rec = ts.do(http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "nzbstream_http_requests_total") {
		t.Errorf("metrics: %d\n%s", rec.Code, rec.Body.String())
	}
}
