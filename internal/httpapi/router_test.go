package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/healthsphere/internal/auth"
	"github.com/suPer8Hu/healthsphere/internal/config"
	"github.com/suPer8Hu/healthsphere/internal/db"
	"github.com/suPer8Hu/healthsphere/internal/docstore"
	"github.com/suPer8Hu/healthsphere/internal/httpapi/handlers"
	"github.com/suPer8Hu/healthsphere/internal/inference"
	"github.com/suPer8Hu/healthsphere/internal/ingest"
	"github.com/suPer8Hu/healthsphere/internal/models"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret"

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

type fakeQueue struct {
	mu    sync.Mutex
	tasks []ingest.Task
}

func (q *fakeQueue) Enqueue(_ context.Context, t ingest.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) snapshot() []ingest.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ingest.Task(nil), q.tasks...)
}

type memStatusCache struct {
	raw  json.RawMessage
	sets int
}

func (m *memStatusCache) GetStatus(context.Context) (json.RawMessage, bool, error) {
	if m.raw == nil {
		return nil, false, nil
	}
	return m.raw, true, nil
}

func (m *memStatusCache) SetStatus(_ context.Context, status json.RawMessage, _ time.Duration) error {
	m.raw = status
	m.sets++
	return nil
}

type testEnv struct {
	router *gin.Engine
	db     *gorm.DB
	queue  *fakeQueue
}

type envOption func(*handlers.Deps)

func withFallback(on bool) envOption {
	return func(d *handlers.Deps) { d.Cfg.ChatFallbackEnabled = on }
}

func withInferenceDisabled() envOption {
	return func(d *handlers.Deps) { d.Cfg.InferenceEnabled = false }
}

func withStatusCache(c handlers.StatusCache) envOption {
	return func(d *handlers.Deps) { d.Status = c }
}

func withRateLimit(rps float64, burst int) envOption {
	return func(d *handlers.Deps) {
		d.Cfg.ChatRateLimitRPS = rps
		d.Cfg.ChatRateLimitBurst = burst
	}
}

func newEnv(t *testing.T, inferenceURL string, opts ...envOption) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	log := zaptest.NewLogger(t)
	require.NoError(t, db.Migrate(context.Background(), gdb, log))

	docs, err := docstore.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	q := &fakeQueue{}
	d := handlers.Deps{
		DB: gdb,
		Cfg: config.Config{
			JWTSecret:           testSecret,
			JWTTTL:              time.Hour,
			InferenceEnabled:    true,
			ChatFallbackEnabled: true,
			StatusCacheTTL:      time.Minute,
		},
		Caps:      db.Probe(context.Background(), gdb, log),
		Inference: inference.NewClient(inference.Options{BaseURL: inferenceURL, StatusTimeout: time.Second}),
		Docs:      docs,
		Ingest:    q,
		Log:       log,
	}
	for _, o := range opts {
		o(&d)
	}
	return &testEnv{router: NewRouter(d), db: gdb, queue: q}
}

func (e *testEnv) createUser(t *testing.T, email string) (uint64, string) {
	t.Helper()
	u := &models.User{Email: email, Username: strings.Split(email, "@")[0], PasswordHash: "x", Name: "Sam"}
	require.NoError(t, e.db.Create(u).Error)
	tok, err := auth.SignJWT(u.ID, testSecret, time.Hour)
	require.NoError(t, err)
	return u.ID, tok
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, path, token string, body any) *http.Request {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func uploadRequest(t *testing.T, path, token, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// deadURL returns the address of a server that is no longer listening.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

const extraction = `{"summary":"Mild anemia","diet_plan":["Eat leafy greens","Add lean red meat twice a week"],"lab_values":[{"parameter":"Hemoglobin","value":11.2,"unit":"g/dL"}],"metadata":{"danger_flags":["low_hb"],"confidence":0.82}}`

func TestUploadThenGetReport_RoundTripsDietPlan(t *testing.T) {
	reqs := make(chan inference.ExtractRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process-report", r.URL.Path)
		var got inference.ExtractRequest
		_ = json.NewDecoder(r.Body).Decode(&got)
		reqs <- got
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, extraction)
	}))
	defer srv.Close()

	env := newEnv(t, srv.URL)
	uid, tok := env.createUser(t, "sam@example.com")

	w := env.do(uploadRequest(t, "/report/upload", tok, "labs.pdf", pdfBytes))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, extraction, w.Body.String())

	got := <-reqs
	require.NotNil(t, got.UserID)
	assert.Equal(t, uid, *got.UserID)
	assert.Equal(t, "labs.pdf", got.OriginalName)
	assert.Contains(t, got.FilePath, strconv.FormatUint(uid, 10))

	w = env.do(jsonRequest(t, http.MethodGet, "/report/user/"+strconv.FormatUint(uid, 10), tok, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		ProcessingResult struct {
			DietPlan []string `json:"diet_plan"`
		} `json:"processing_result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"Eat leafy greens", "Add lean red meat twice a week"}, body.ProcessingResult.DietPlan)

	tasks := env.queue.snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, uid, tasks[0].UserID)
	assert.Equal(t, ingest.SourceProcessingResult, tasks[0].Source)
	assert.NotEmpty(t, tasks[0].JobID)

	w = env.do(jsonRequest(t, http.MethodGet, "/me", tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, true, data["has_processing_result"])
	assert.NotNil(t, data["medical_report_url"])
}

func TestUpload_AnonymousIsNotPersisted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Nil(t, req["userId"])
		_, _ = io.WriteString(w, extraction)
	}))
	defer srv.Close()

	env := newEnv(t, srv.URL)
	w := env.do(uploadRequest(t, "/report/upload", "", "labs.pdf", pdfBytes))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, env.queue.snapshot())
}

func TestUpload_RejectsBadInput(t *testing.T) {
	env := newEnv(t, deadURL(t))

	w := env.do(uploadRequest(t, "/report/upload", "", "notes.txt", []byte("just some text")))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/report/upload", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w = env.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No file uploaded", decode(t, w)["error"])

	big := append(append([]byte{}, pdfBytes...), bytes.Repeat([]byte("0"), 1<<20)...)
	w = env.do(uploadRequest(t, "/report/upload", "", "big.pdf", big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUpload_RemoteErrorIsReturnedWithDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":{"error":"could not read document","type":"OCRError","traceback":"line 1"}}`)
	}))
	defer srv.Close()

	env := newEnv(t, srv.URL)
	uid, tok := env.createUser(t, "ocr@example.com")

	w := env.do(uploadRequest(t, "/report/upload", tok, "scan.pdf", pdfBytes))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"error":"could not read document","type":"OCRError","debug":"line 1"}`, w.Body.String())

	var u models.User
	require.NoError(t, env.db.First(&u, uid).Error)
	assert.False(t, u.HasProcessingResult())
	assert.Empty(t, env.queue.snapshot())
}

func TestUpload_UnreachableIs502(t *testing.T) {
	env := newEnv(t, deadURL(t))
	w := env.do(uploadRequest(t, "/report/upload", "", "labs.pdf", pdfBytes))
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "inference service unreachable", decode(t, w)["error"])
}

func TestProcessReport(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		_, _ = io.WriteString(w, `{"summary":"run `+strconv.Itoa(int(n))+`","diet_plan":[]}`)
	}))
	defer srv.Close()

	env := newEnv(t, srv.URL)
	uid, tok := env.createUser(t, "proc@example.com")

	w := env.do(jsonRequest(t, http.MethodPost, "/report/process", tok, nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(uploadRequest(t, "/report/upload", tok, "labs.pdf", pdfBytes))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(jsonRequest(t, http.MethodPost, "/report/process", tok, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"summary":"run 2","diet_plan":[]}`, w.Body.String())

	var u models.User
	require.NoError(t, env.db.First(&u, uid).Error)
	assert.JSONEq(t, `{"summary":"run 2","diet_plan":[]}`, string(u.ProcessingResult))

	w = env.do(jsonRequest(t, http.MethodPost, "/report/process", "", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetReport_OtherUserIsNotFound(t *testing.T) {
	env := newEnv(t, deadURL(t))
	_, tok := env.createUser(t, "a@example.com")
	other, _ := env.createUser(t, "b@example.com")
	require.NoError(t, env.db.Model(&models.User{}).Where("id = ?", other).
		Update("processing_result", `{"diet_plan":["x"]}`).Error)

	w := env.do(jsonRequest(t, http.MethodGet, "/report/user/"+strconv.FormatUint(other, 10), tok, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteReport_ClearsColumns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, extraction)
	}))
	defer srv.Close()

	env := newEnv(t, srv.URL)
	uid, tok := env.createUser(t, "del@example.com")
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "/report/upload", tok, "labs.pdf", pdfBytes)).Code)

	w := env.do(jsonRequest(t, http.MethodDelete, "/auth/profile/report", tok, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var u models.User
	require.NoError(t, env.db.First(&u, uid).Error)
	assert.Nil(t, u.MedicalReportURL)
	assert.Nil(t, u.MedicalReportUploadedAt)
	assert.False(t, u.HasProcessingResult())

	w = env.do(jsonRequest(t, http.MethodDelete, "/auth/profile/report", tok, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatQuery_Nested503WithoutFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"detail":{"error":"model loading","type":"ServiceUnavailable","traceback":"tb"}}`)
	}))
	defer srv.Close()

	env := newEnv(t, srv.URL, withFallback(false))

	w := env.do(jsonRequest(t, http.MethodPost, "/chatbot/query", "", gin.H{"query": "what should I eat?"}))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"model loading","type":"ServiceUnavailable","debug":"tb"}`, w.Body.String())

	var n int64
	require.NoError(t, env.db.Model(&models.Conversation{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestChatQuery_FallbackWhenUnreachable(t *testing.T) {
	env := newEnv(t, deadURL(t))
	uid, tok := env.createUser(t, "guest@example.com")

	w := env.do(jsonRequest(t, http.MethodPost, "/chatbot/query", tok, gin.H{"query": "Any tips for breakfast?"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var ans inference.ChatAnswer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ans))
	assert.Equal(t, "fallback", ans.Model)
	assert.InDelta(t, 0.6, ans.Confidence, 1e-9)
	assert.Len(t, ans.DietPlan, 4)
	assert.Equal(t, "unreachable", ans.Metadata["reason"])

	var rows []models.Conversation
	require.NoError(t, env.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].UserID)
	assert.Equal(t, uid, *rows[0].UserID)
	assert.Equal(t, "fallback", rows[0].ModelName)
}

func TestChatQuery_Validation(t *testing.T) {
	env := newEnv(t, deadURL(t))

	w := env.do(jsonRequest(t, http.MethodPost, "/chatbot/query", "", gin.H{"query": "   "}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Query is required", decode(t, w)["error"])

	w = env.do(jsonRequest(t, http.MethodPost, "/chatbot/query", "not-a-jwt", gin.H{"query": "hi"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatQuery_RateLimited(t *testing.T) {
	env := newEnv(t, deadURL(t), withRateLimit(0.001, 1))

	w := env.do(jsonRequest(t, http.MethodPost, "/chatbot/query", "", gin.H{"query": "sleep"}))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(jsonRequest(t, http.MethodPost, "/chatbot/query", "", gin.H{"query": "sleep"}))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestChatStatus(t *testing.T) {
	t.Run("cached after first probe", func(t *testing.T) {
		var probes atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			probes.Add(1)
			_, _ = io.WriteString(w, `{"status":"running","model":"llama","rag_enabled":true}`)
		}))
		defer srv.Close()

		cache := &memStatusCache{}
		env := newEnv(t, srv.URL, withStatusCache(cache))
		for i := 0; i < 2; i++ {
			w := env.do(jsonRequest(t, http.MethodGet, "/chatbot/status", "", nil))
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "llama", decode(t, w)["model"])
		}
		assert.EqualValues(t, 1, probes.Load())
		assert.Equal(t, 1, cache.sets)
	})

	t.Run("synthesized when unreachable", func(t *testing.T) {
		env := newEnv(t, deadURL(t))
		w := env.do(jsonRequest(t, http.MethodGet, "/chatbot/status", "", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"running","model":"fallback","rag_enabled":false,"fallback":true}`, w.Body.String())
	})

	t.Run("502 without fallback", func(t *testing.T) {
		env := newEnv(t, deadURL(t), withFallback(false))
		w := env.do(jsonRequest(t, http.MethodGet, "/chatbot/status", "", nil))
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	cached := json.RawMessage(`{"status":"running","model":"llama","rag_enabled":true}`)

	t.Run("disabled service ignores cached status", func(t *testing.T) {
		cache := &memStatusCache{raw: cached}
		env := newEnv(t, deadURL(t), withInferenceDisabled(), withStatusCache(cache))
		w := env.do(jsonRequest(t, http.MethodGet, "/chatbot/status", "", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "fallback", decode(t, w)["model"])
	})

	t.Run("disabled service without fallback is 503 despite cache", func(t *testing.T) {
		cache := &memStatusCache{raw: cached}
		env := newEnv(t, deadURL(t), withInferenceDisabled(), withFallback(false), withStatusCache(cache))
		w := env.do(jsonRequest(t, http.MethodGet, "/chatbot/status", "", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, 0, cache.sets)
	})
}

func TestChatHistory(t *testing.T) {
	env := newEnv(t, deadURL(t))
	_, tok := env.createUser(t, "hist@example.com")

	for _, q := range []string{"diet", "sleep", "stress"} {
		require.Equal(t, http.StatusOK, env.do(jsonRequest(t, http.MethodPost, "/chatbot/query", tok, gin.H{"query": q})).Code)
	}

	w := env.do(jsonRequest(t, http.MethodGet, "/chatbot/history?limit=2", tok, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Data struct {
			Conversations []models.Conversation `json:"conversations"`
			NextBeforeID  string                `json:"next_before_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data.Conversations, 2)
	assert.Equal(t, "stress", page.Data.Conversations[0].Query)

	w = env.do(jsonRequest(t, http.MethodGet, "/chatbot/history?before_id="+page.Data.NextBeforeID, tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data.Conversations, 1)
	assert.Equal(t, "diet", page.Data.Conversations[0].Query)

	w = env.do(jsonRequest(t, http.MethodGet, "/chatbot/history", "", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterLoginMe(t *testing.T) {
	env := newEnv(t, deadURL(t))

	w := env.do(jsonRequest(t, http.MethodPost, "/users", "", gin.H{"email": "New@Example.com", "password": "correct-horse", "name": "Ann"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, decode(t, w)["code"])

	w = env.do(jsonRequest(t, http.MethodPost, "/users", "", gin.H{"email": "new@example.com", "password": "correct-horse"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(jsonRequest(t, http.MethodPost, "/login", "", gin.H{"email": "new@example.com", "password": "wrong-password"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(jsonRequest(t, http.MethodPost, "/login", "", gin.H{"email": "new@example.com", "password": "correct-horse"}))
	require.Equal(t, http.StatusOK, w.Code)
	tok, _ := decode(t, w)["data"].(map[string]any)["token"].(string)
	require.NotEmpty(t, tok)

	w = env.do(jsonRequest(t, http.MethodGet, "/me", tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "Ann", data["name"])
	assert.Equal(t, false, data["has_processing_result"])

	w = env.do(jsonRequest(t, http.MethodGet, "/me", "", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.EqualValues(t, 40101, decode(t, w)["code"])
}

func TestRouter_Fallthrough(t *testing.T) {
	env := newEnv(t, deadURL(t))

	w := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.EqualValues(t, 40400, decode(t, w)["code"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/report/upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthsphere_http_requests_total")

	w = env.do(httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
