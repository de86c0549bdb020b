package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/trustlock/storage-audit/internal/audit"
	"github.com/trustlock/storage-audit/internal/merkle"
	"github.com/trustlock/storage-audit/internal/metadata"
	"github.com/trustlock/storage-audit/internal/services"
	"github.com/trustlock/storage-audit/internal/store"
)

const testToken = "test-token"

type testServer struct {
	router  *gin.Engine
	dataDir string
	log     *audit.Log
}

func newTestServer(t *testing.T, maxUploadBytes int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dataDir := t.TempDir()

	backend, err := store.NewLocal(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := metadata.NewStore(filepath.Join(dataDir, "metadata_db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })

	auditLog, err := audit.NewLog(filepath.Join(dataDir, "audit_logs"))
	if err != nil {
		t.Fatal(err)
	}
	engine, err := merkle.NewEngine(filepath.Join(dataDir, "merkle_snapshots"), auditLog, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)

	objects := services.NewObjectService(backend, meta, maxUploadBytes)
	router := NewRouter(
		RouterConfig{Tokens: []string{testToken}, CORSOrigin: "*"},
		NewStoreHandler(objects),
		NewAuditHandler(auditLog),
		NewMerkleHandler(engine),
		NewEventsHandler(auditLog),
	)
	return &testServer{router: router, dataDir: dataDir, log: auditLog}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, authed bool, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == nil {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if authed {
		req.Header.Set("X-Service-Token", testToken)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) doJSON(t *testing.T, method, path string, payload any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return ts.do(t, method, path, body, authed, "application/json")
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.do(t, http.MethodGet, "/health", nil, false, "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status %d", w.Code)
	}
	if decodeBody(t, w)["status"] != "ok" {
		t.Fatalf("health body %s", w.Body.String())
	}
}

func TestUnauthorizedAppendHasNoSideEffects(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.doJSON(t, http.MethodPost, "/audit/append", map[string]any{
		"audit_id": "A1", "actor": "sys", "action": "create",
		"payload": map[string]any{}, "prev_hash": "",
	}, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
	if _, err := os.Stat(filepath.Join(ts.dataDir, "audit_logs", "A1.log")); !os.IsNotExist(err) {
		t.Fatal("unauthorized request modified the audit log")
	}
}

func TestAppendThenReadScenario(t *testing.T) {
	ts := newTestServer(t, 0)

	w := ts.doJSON(t, http.MethodPost, "/audit/append", map[string]any{
		"audit_id": "A1", "actor": "sys", "action": "create",
		"payload": map[string]any{"x": 1}, "prev_hash": "",
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("first append status %d: %s", w.Code, w.Body.String())
	}
	h1, _ := decodeBody(t, w)["log_hash"].(string)
	if h1 == "" {
		t.Fatal("first append returned no log_hash")
	}

	w = ts.doJSON(t, http.MethodPost, "/audit/append", map[string]any{
		"audit_id": "A1", "actor": "sys", "action": "update",
		"payload": map[string]any{"x": 2}, "prev_hash": h1,
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("second append status %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/audit/read/A1", nil, true, "")
	if w.Code != http.StatusOK {
		t.Fatalf("read status %d", w.Code)
	}
	var entries []audit.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != "" || entries[1].PrevHash != h1 {
		t.Fatalf("chain broken: %q, %q", entries[0].PrevHash, entries[1].PrevHash)
	}

	w = ts.do(t, http.MethodGet, "/audit/verify/A1", nil, true, "")
	if w.Code != http.StatusOK || decodeBody(t, w)["valid"] != true {
		t.Fatalf("verify failed: %s", w.Body.String())
	}
}

func TestAppendMissingFields(t *testing.T) {
	ts := newTestServer(t, 0)
	cases := []map[string]any{
		{"actor": "sys", "action": "x", "payload": map[string]any{}, "prev_hash": ""},
		{"audit_id": "A", "action": "x", "payload": map[string]any{}, "prev_hash": ""},
		{"audit_id": "A", "actor": "sys", "payload": map[string]any{}, "prev_hash": ""},
		{"audit_id": "A", "actor": "sys", "action": "x", "prev_hash": ""},
		{"audit_id": "A", "actor": "sys", "action": "x", "payload": map[string]any{}},
	}
	for i, body := range cases {
		w := ts.doJSON(t, http.MethodPost, "/audit/append", body, true)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("case %d: status %d, want 400", i, w.Code)
		}
	}
}

func TestAppendStaleHeadConflicts(t *testing.T) {
	ts := newTestServer(t, 0)

	w := ts.doJSON(t, http.MethodPost, "/audit/append", map[string]any{
		"audit_id": "A1", "actor": "sys", "action": "create",
		"payload": map[string]any{}, "prev_hash": "",
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("first append status %d", w.Code)
	}

	// Re-presenting the pre-append head must conflict, not fork.
	w = ts.doJSON(t, http.MethodPost, "/audit/append", map[string]any{
		"audit_id": "A1", "actor": "sys", "action": "update",
		"payload": map[string]any{}, "prev_hash": "",
	}, true)
	if w.Code != http.StatusConflict {
		t.Fatalf("stale append status %d, want 409: %s", w.Code, w.Body.String())
	}
	res, err := ts.log.Verify("A1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Entries != 1 {
		t.Fatalf("rejected append mutated the stream: %+v", res)
	}
}

func TestReadInvalidAuditID(t *testing.T) {
	ts := newTestServer(t, 0)
	long := strings.Repeat("a", 201)
	for _, path := range []string{"/audit/read/" + long, "/audit/verify/" + long} {
		w := ts.do(t, http.MethodGet, path, nil, true, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400: %s", path, w.Code, w.Body.String())
		}
	}
}

func TestReadUnknownStream(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.do(t, http.MethodGet, "/audit/read/nope", nil, true, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := w.Body.String(); got != "[]" {
		t.Fatalf("unknown stream must read as empty array, got %s", got)
	}
}

func TestUploadBase64Dedup(t *testing.T) {
	ts := newTestServer(t, 0)
	content := base64.StdEncoding.EncodeToString([]byte("hello"))

	w := ts.doJSON(t, http.MethodPost, "/store/upload", map[string]any{
		"file_base64": content, "filename": "a.txt",
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("upload status %d: %s", w.Code, w.Body.String())
	}
	first := decodeBody(t, w)
	hash, _ := first["hash"].(string)
	if len(hash) != len("sha256:")+64 {
		t.Fatalf("bad hash %q", hash)
	}
	if first["size"].(float64) != 5 {
		t.Fatalf("bad size %v", first["size"])
	}

	w = ts.doJSON(t, http.MethodPost, "/store/upload", map[string]any{
		"file_base64": content, "filename": "other-name.png",
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("second upload status %d", w.Code)
	}
	second := decodeBody(t, w)
	if second["hash"] != first["hash"] || second["storage_path"] != first["storage_path"] {
		t.Fatalf("dedup broken: %v vs %v", first, second)
	}

	w = ts.do(t, http.MethodGet, "/store/objects", nil, true, "")
	var list struct {
		Objects []metadata.ObjectRecord `json:"objects"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Objects) != 1 {
		t.Fatalf("index holds %d records, want 1", len(list.Objects))
	}
}

func TestUploadMultipartAndDownload(t *testing.T) {
	ts := newTestServer(t, 0)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "doc.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("pdf-bytes")); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	w := ts.do(t, http.MethodPost, "/store/upload", buf.Bytes(), true, mw.FormDataContentType())
	if w.Code != http.StatusOK {
		t.Fatalf("multipart upload status %d: %s", w.Code, w.Body.String())
	}
	hash, _ := decodeBody(t, w)["hash"].(string)
	digest := hash[len("sha256:"):]

	w = ts.do(t, http.MethodGet, "/store/object/"+digest, nil, true, "")
	if w.Code != http.StatusOK {
		t.Fatalf("download status %d", w.Code)
	}
	if w.Body.String() != "pdf-bytes" {
		t.Fatalf("downloaded %q", w.Body.String())
	}
}

func TestUploadMissingFile(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.doJSON(t, http.MethodPost, "/store/upload", map[string]any{"filename": "x"}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, 8)
	content := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("a"), 100))
	w := ts.doJSON(t, http.MethodPost, "/store/upload", map[string]any{"file_base64": content}, true)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d, want 413", w.Code)
	}
}

func TestDownloadUnknownDigest(t *testing.T) {
	ts := newTestServer(t, 0)
	digest := fmt.Sprintf("%064d", 0)
	w := ts.do(t, http.MethodGet, "/store/object/"+digest, nil, true, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/store/object/not-hex", nil, true, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestMerkleSnapshotAndLatest(t *testing.T) {
	ts := newTestServer(t, 0)

	// No entries: latest is {}
	w := ts.do(t, http.MethodGet, "/merkle/latest", nil, true, "")
	if w.Code != http.StatusOK || w.Body.String() != "{}" {
		t.Fatalf("empty latest: %d %s", w.Code, w.Body.String())
	}

	// Empty snapshot is returned but not persisted.
	w = ts.do(t, http.MethodPost, "/merkle/snapshot", nil, true, "")
	if w.Code != http.StatusOK {
		t.Fatalf("empty snapshot status %d", w.Code)
	}
	empty := decodeBody(t, w)
	if empty["root"] != nil || empty["count"].(float64) != 0 {
		t.Fatalf("empty snapshot body %s", w.Body.String())
	}

	ts.doJSON(t, http.MethodPost, "/audit/append", map[string]any{
		"audit_id": "S1", "actor": "sys", "action": "create",
		"payload": map[string]any{}, "prev_hash": "",
	}, true)

	w = ts.do(t, http.MethodPost, "/merkle/snapshot", nil, true, "")
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot status %d", w.Code)
	}
	snap := decodeBody(t, w)
	if snap["count"].(float64) != 1 || snap["root"] == nil {
		t.Fatalf("snapshot body %s", w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/merkle/latest", nil, true, "")
	latest := decodeBody(t, w)
	if latest["root"] != snap["root"] {
		t.Fatalf("latest root %v != snapshot root %v", latest["root"], snap["root"])
	}
}

func TestEventsHighRiskAutoFlag(t *testing.T) {
	ts := newTestServer(t, 0)

	// Low score: received, no audit entry.
	w := ts.doJSON(t, http.MethodPost, "/events", map[string]any{
		"event_type": "risk_scored", "application_id": "app-1",
		"payload": map[string]any{"risk_score": 10},
	}, true)
	if w.Code != http.StatusOK || decodeBody(t, w)["status"] != "received" {
		t.Fatalf("low-risk event: %d %s", w.Code, w.Body.String())
	}

	// High score: flagged, audit entry appended.
	w = ts.doJSON(t, http.MethodPost, "/events", map[string]any{
		"event_type": "risk_scored", "application_id": "app-1",
		"payload": map[string]any{"risk_score": 85, "reason": "sanctions hit"},
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("high-risk event status %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "flagged" || body["log_hash"] == nil {
		t.Fatalf("high-risk event body %s", w.Body.String())
	}

	entries, err := ts.log.Read("app-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != "auto_flag_high_risk" {
		t.Fatalf("audit entries after event: %+v", entries)
	}

	// A second high-risk event extends the chain rather than forking it.
	w = ts.doJSON(t, http.MethodPost, "/events", map[string]any{
		"event_type": "risk_scored", "application_id": "app-1",
		"payload": map[string]any{"risk_score": 92},
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("second high-risk event status %d", w.Code)
	}
	res, err := ts.log.Verify("app-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Entries != 2 {
		t.Fatalf("event chain broken: %+v", res)
	}
}

func TestEventsConcurrentHighRiskSingleChain(t *testing.T) {
	ts := newTestServer(t, 0)
	const n = 16

	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := ts.doJSON(t, http.MethodPost, "/events", map[string]any{
				"event_type": "risk_scored", "application_id": "app-burst",
				"payload": map[string]any{"risk_score": 90, "reason": "burst"},
			}, true)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("event %d: status %d", i, code)
		}
	}
	res, err := ts.log.Verify("app-burst")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Entries != n {
		t.Fatalf("chain broken under concurrent events: %+v", res)
	}
}

func TestEventsMissingFields(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.doJSON(t, http.MethodPost, "/events", map[string]any{"event_type": "risk_scored"}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}
