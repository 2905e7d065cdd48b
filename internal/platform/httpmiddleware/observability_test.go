package httpmiddleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"snowlink.local/internal/platform/httpmiddleware"
)

func TestAccessLog_EmitsJSONFields(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })

	r := chi.NewRouter()
	r.Use(httpmiddleware.ReqID, httpmiddleware.AccessLog)
	r.Get("/links/{code}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/links/abc?token=s3cr3t", nil)
	req.Header.Set("X-Request-ID", "abc")
	r.ServeHTTP(httptest.NewRecorder(), req)

	dec := json.NewDecoder(&buf)
	for {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			break
		}
		if m["msg"] != "access" {
			continue
		}
		if m["request_id"] != "abc" {
			t.Fatalf("request_id: got %v, want %q", m["request_id"], "abc")
		}
		if m["route"] != "/links/{code}" {
			t.Fatalf("route: got %v", m["route"])
		}
		if m["status"] != float64(http.StatusTeapot) {
			t.Fatalf("status: got %v", m["status"])
		}
		if bytes.Contains(buf.Bytes(), []byte("s3cr3t")) {
			t.Fatal("access log leaks query secret")
		}
		return
	}
	t.Fatal("no access log line found")
}

func TestTraceName_UsesRoutePattern(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	old := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(old)
		_ = tp.Shutdown(context.Background())
	})

	r := chi.NewRouter()
	r.Use(httpmiddleware.TraceName)
	r.Get("/api/v1/shortlinks/{code}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := otelhttp.NewHandler(r, "http")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/shortlinks/abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	ended := sr.Ended()
	if len(ended) == 0 {
		t.Fatal("no spans recorded")
	}
	if got := ended[len(ended)-1].Name(); got != "GET /api/v1/shortlinks/{code}" {
		t.Fatalf("span name: got %q", got)
	}
}
