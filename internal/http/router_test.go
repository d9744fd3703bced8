package httpapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/ops-console-sync/internal/config"
	"github.com/tbourn/ops-console-sync/internal/dispatch"
	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/http/handlers"
	"github.com/tbourn/ops-console-sync/internal/notify"
	"github.com/tbourn/ops-console-sync/internal/optimistic"
	"github.com/tbourn/ops-console-sync/internal/replicator"
	"github.com/tbourn/ops-console-sync/internal/repo"
	"github.com/tbourn/ops-console-sync/internal/vendors"
)

// stubBackend answers the dispatch API from memory.
type stubBackend struct {
	mu      sync.Mutex
	orders  []domain.Order
	riders  []domain.Rider
	reject  map[string]bool
	assigns int
}

func (b *stubBackend) UnassignedOrders(_ context.Context, page, limit int) (dispatch.OrderPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var open []domain.Order
	for _, o := range b.orders {
		if o.Status == domain.OrderUnassigned {
			open = append(open, o)
		}
	}
	return dispatch.OrderPage{Data: open, Total: len(open), Page: page, Limit: limit}, nil
}

func (b *stubBackend) MapData(context.Context) (dispatch.MapData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return dispatch.MapData{Riders: append([]domain.Rider(nil), b.riders...)}, nil
}

func (b *stubBackend) Assign(_ context.Context, req dispatch.AssignRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assigns++
	if b.reject[req.OrderID] {
		return &dispatch.APIError{Status: http.StatusConflict, Message: "order already taken"}
	}
	for i := range b.orders {
		if b.orders[i].ID == req.OrderID {
			b.orders[i].Status = domain.OrderAssigned
			b.orders[i].RiderID = req.RiderID
		}
	}
	for i := range b.riders {
		if b.riders[i].ID == req.RiderID {
			b.riders[i].Load++
		}
	}
	return nil
}

func (b *stubBackend) AutoAssign(context.Context, []string) (dispatch.AutoAssignResult, error) {
	return dispatch.AutoAssignResult{}, errors.New("not used")
}

type console struct {
	router  *gin.Engine
	backend *stubBackend
	alerts  *notify.Center
}

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "router.db"), repo.Options{Silent: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newConsole(t *testing.T, cfg config.Config) *console {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newDB(t)
	center := notify.NewCenter(20)
	exec := optimistic.NewExecutor(center, 2*time.Second)
	rep := replicator.New(db, replicator.NewBroadcastTransport(replicator.NewLocalHub()), "router-test")
	t.Cleanup(func() { _ = rep.Close() })

	be := &stubBackend{
		orders: []domain.Order{
			{ID: "o1", Status: domain.OrderUnassigned, Priority: domain.PriorityNormal, SLADeadline: time.Now().Add(time.Hour), CreatedAt: time.Now()},
			{ID: "o2", Status: domain.OrderUnassigned, Priority: domain.PriorityNormal, SLADeadline: time.Now().Add(30 * time.Minute), CreatedAt: time.Now()},
		},
		riders: []domain.Rider{{ID: "r1", Status: domain.RiderOnline, MaxCapacity: 2}},
		reject: map[string]bool{"o2": true},
	}
	eng := dispatch.NewEngine(be, exec, dispatch.Options{Notify: center, Replicator: rep})
	t.Cleanup(eng.Close)
	if err := eng.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	vs := vendors.NewService(exec, rep)
	t.Cleanup(vs.Close)

	r := gin.New()
	RegisterRoutes(r, Deps{
		DB: db,
		Services: handlers.Deps{
			Dispatch: eng,
			Vendors:  vs,
			Alerts:   center,
		},
		Operator: "op-1",
	}, cfg)
	return &console{router: r, backend: be, alerts: center}
}

func baseConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      100,
		IdempotencyTTL: time.Hour,
		OTEL:           config.OTELConfig{ServiceName: "console-test"},
	}
}

func (c *console) do(method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_HealthMetricsFallbacks(t *testing.T) {
	c := newConsole(t, baseConfig())

	w := c.do(http.MethodGet, "/health", nil, map[string]string{"Origin": "https://ops.example"})
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-all CORS = %q", got)
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("no-store missing")
	}

	w = c.do(http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "console_http_requests_total") {
		t.Fatalf("metrics = %d", w.Code)
	}

	w = c.do(http.MethodGet, "/api/v1/nope", nil, nil)
	var er handlers.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if w.Code != http.StatusNotFound || er.Code != handlers.ErrCodeNotFound || er.RequestID == "" {
		t.Fatalf("no route = %d %+v", w.Code, er)
	}
}

func TestRegisterRoutes_CORSWithOrigins(t *testing.T) {
	cfg := baseConfig()
	cfg.CORS.AllowedOrigins = []string{"https://ops.example"}
	c := newConsole(t, cfg)

	w := c.do(http.MethodGet, "/health", nil, map[string]string{"Origin": "https://ops.example"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example" {
		t.Fatalf("allowed origin = %q", got)
	}
	w = c.do(http.MethodGet, "/health", nil, map[string]string{"Origin": "https://evil.example"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign origin = %d", w.Code)
	}
}

func TestRegisterRoutes_AssignFlow(t *testing.T) {
	c := newConsole(t, baseConfig())

	// SLA sort: o2 breaches first.
	var q handlers.QueueResponse
	_ = json.Unmarshal(c.do(http.MethodGet, "/api/v1/dispatch/queue", nil, nil).Body.Bytes(), &q)
	if len(q.Orders) != 2 || q.Orders[0].ID != "o2" {
		t.Fatalf("queue = %+v", q.Orders)
	}

	hdr := map[string]string{"Idempotency-Key": "assign-o1"}
	w := c.do(http.MethodPost, "/api/v1/orders/o1/assign", handlers.AssignRequest{RiderID: "r1"}, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("assign = %d %s", w.Code, w.Body.String())
	}
	w = c.do(http.MethodPost, "/api/v1/orders/o1/assign", handlers.AssignRequest{RiderID: "r1"}, hdr)
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay = %d replayed=%q", w.Code, w.Header().Get("Idempotency-Replayed"))
	}
	if c.backend.assigns != 1 {
		t.Fatalf("backend assigns = %d, want 1", c.backend.assigns)
	}

	// Backend rejects o2: the order returns to the queue and an alert names it.
	w = c.do(http.MethodPost, "/api/v1/orders/o2/assign", handlers.AssignRequest{RiderID: "r1"}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("rejected assign = %d %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(c.do(http.MethodGet, "/api/v1/dispatch/queue", nil, nil).Body.Bytes(), &q)
	if len(q.Orders) != 1 || q.Orders[0].ID != "o2" {
		t.Fatalf("queue after rollback = %+v", q.Orders)
	}
	var alerts []domain.Notification
	_ = json.Unmarshal(c.do(http.MethodGet, "/api/v1/alerts", nil, nil).Body.Bytes(), &alerts)
	found := false
	for _, a := range alerts {
		if a.Kind == domain.KindRollback && a.EntityID == "o2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no rollback alert for o2: %+v", alerts)
	}
}

func TestRegisterRoutes_VendorsAndGzip(t *testing.T) {
	c := newConsole(t, baseConfig())

	w := c.do(http.MethodPost, "/api/v1/vendors", handlers.InviteVendorRequest{Name: "  corner   bakery ", Email: "Owner@Bakery.example"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("invite = %d %s", w.Code, w.Body.String())
	}

	w = c.do(http.MethodGet, "/api/v1/vendors", nil, map[string]string{"Accept-Encoding": "gzip"})
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip, headers=%v", w.Header())
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(zr)
	var list []domain.Vendor
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode vendors: %v", err)
	}
	if len(list) != 1 || list[0].Name != "Corner Bakery" || list[0].Email != "owner@bakery.example" {
		t.Fatalf("vendors = %+v", list)
	}
}

func TestRegisterRoutes_BadBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, Deps{
		ParseOperator: func(string) (string, error) { return "", errors.New("expired") },
	}, baseConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/realtime/status", nil)
	req.Header.Set("Authorization", "Bearer x")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad bearer = %d", w.Code)
	}
}

func Test_limitBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.Status(http.StatusOK) })
	groupWithPrefix(r, "/api").GET("/two", func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]int{"/one": 200, "/api/two": 200, "/two": 404} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Fatalf("%s = %d, want %d", path, w.Code, want)
		}
	}
}
