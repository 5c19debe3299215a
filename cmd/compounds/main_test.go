package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/compound-finder/engine/domain"
	"github.com/WessleyAI/compound-finder/engine/registry"
	"github.com/WessleyAI/compound-finder/pkg/natsutil"
	"github.com/WessleyAI/compound-finder/pkg/repo"
)

const eventPage = `<html><body>
<a href="/documents/2022 british grand prix - entry list.pdf">Entry list</a>
<a href="/documents/2022 british grand prix - event notes.pdf">Event notes</a>
<a href="/documents/2022 british grand prix - pirelli preview.pdf">Preview</a>
</body></html>`

// fiaSite serves an event page for the 2022 British GP and answers every
// document with a body that is not a PDF.
func fiaSite(t *testing.T, seen *http.Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = *r.Clone(context.Background())
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/event/British Grand Prix"):
			w.Write([]byte(eventPage))
		case strings.HasSuffix(r.URL.Path, "/event/German Grand Prix"):
			w.Write([]byte(`<a href="/documents/entry list.pdf">Entry list</a>`))
		case strings.HasSuffix(r.URL.Path, ".pdf"):
			w.Write([]byte("<html>document moved</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(base string) config {
	return config{
		year:      2022,
		race:      "british",
		baseURL:   base,
		userAgent: "compounds-test",
		timeout:   5 * time.Second,
		subject:   "f1.compounds.lookup",
		logLevel:  "error",
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-year", "2021", "-race", "abu dhabi",
		"-header", "X-One: 1", "-header", "X-Two: 2",
		"-basic-auth", "u:p", "-json",
	}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.year != 2021 || cfg.race != "abu dhabi" || !cfg.jsonOut {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.headers.h.Get("X-One") != "1" || cfg.headers.h.Get("X-Two") != "2" {
		t.Errorf("headers not collected: %v", cfg.headers.h)
	}
	if cfg.baseURL != "https://www.fia.com" {
		t.Errorf("expected default base url, got %q", cfg.baseURL)
	}
}

func TestParseFlagsEnvFallback(t *testing.T) {
	t.Setenv("FIA_BASE_URL", "http://mirror.local")
	t.Setenv("FIA_TIMEOUT", "7s")
	t.Setenv("METRICS_PORT", "9100")
	cfg, err := parseFlags([]string{"-year", "2020", "-race", "styrian"}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.baseURL != "http://mirror.local" || cfg.timeout != 7*time.Second || cfg.metricsPort != 9100 {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestParseFlagsRequired(t *testing.T) {
	for _, args := range [][]string{
		{"-race", "british"},
		{"-year", "2022"},
		{"-year", "2022", "-race", "  "},
	} {
		if _, err := parseFlags(args, &bytes.Buffer{}); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
	if _, err := parseFlags([]string{"-pdf", "notes.pdf"}, &bytes.Buffer{}); err != nil {
		t.Errorf("-pdf should not need year or race: %v", err)
	}
	if _, err := parseFlags([]string{"-watch", "-nats", "nats://localhost:4222"}, &bytes.Buffer{}); err != nil {
		t.Errorf("-watch should not need year or race: %v", err)
	}
	if _, err := parseFlags([]string{"-watch"}, &bytes.Buffer{}); err == nil {
		t.Error("-watch without -nats should fail")
	}
	if _, err := parseFlags([]string{"-last", "-year", "2022", "-race", "british"}, &bytes.Buffer{}); err == nil {
		t.Error("-last without -neo4j-url should fail")
	}
}

func TestHeaderFlag(t *testing.T) {
	var h headerFlag
	if err := h.Set("no-colon"); err == nil {
		t.Error("expected error for header without colon")
	}
	if err := h.Set(": value"); err == nil {
		t.Error("expected error for empty header name")
	}
	if err := h.Set("Cookie: a=b: c"); err != nil {
		t.Fatal(err)
	}
	if h.h.Get("Cookie") != "a=b: c" {
		t.Errorf("unexpected value %q", h.h.Get("Cookie"))
	}
	if h.String() != "Cookie: a=b: c" {
		t.Errorf("unexpected String %q", h.String())
	}
}

func TestParseBasicAuthAndProxy(t *testing.T) {
	if a, err := parseBasicAuth(""); a != nil || err != nil {
		t.Errorf("empty basic auth should be nil, got %v %v", a, err)
	}
	if _, err := parseBasicAuth("nouser"); err == nil {
		t.Error("expected error without colon")
	}
	a, err := parseBasicAuth("me:se:cret")
	if err != nil || a.Username != "me" || a.Password != "se:cret" {
		t.Errorf("unexpected auth %+v %v", a, err)
	}
	if _, err := parseProxy("not a url"); err == nil {
		t.Error("expected proxy error")
	}
	p, err := parseProxy("http://proxy.local:3128")
	if err != nil || p.Host != "proxy.local:3128" {
		t.Errorf("unexpected proxy %v %v", p, err)
	}
}

func TestRunListDocs(t *testing.T) {
	var seen http.Request
	srv := fiaSite(t, &seen)
	cfg := testConfig(srv.URL)
	cfg.listDocs = true
	cfg.basicAuth = "fia:secret"
	cfg.headers.Set("X-Trace: abc")

	var out bytes.Buffer
	if code := run(context.Background(), cfg, &out, &bytes.Buffer{}); code != exitFound {
		t.Fatalf("expected exit 0, got %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 documents, got %q", out.String())
	}
	if lines[0] != srv.URL+"/documents/2022 british grand prix - event notes.pdf" {
		t.Errorf("unexpected first document %q", lines[0])
	}
	if u, p, ok := seen.BasicAuth(); !ok || u != "fia" || p != "secret" {
		t.Errorf("basic auth not sent")
	}
	if seen.Header.Get("X-Trace") != "abc" || seen.Header.Get("User-Agent") != "compounds-test" {
		t.Errorf("headers not sent: %v", seen.Header)
	}
}

func TestRunNoDocuments(t *testing.T) {
	srv := fiaSite(t, nil)
	cfg := testConfig(srv.URL)
	cfg.year, cfg.race = 2019, "german"
	cfg.jsonOut = true

	var out bytes.Buffer
	if code := run(context.Background(), cfg, &out, &bytes.Buffer{}); code != exitNotFound {
		t.Fatalf("expected exit 2, got %d", code)
	}
	var l domain.Lookup
	if err := json.Unmarshal(out.Bytes(), &l); err != nil {
		t.Fatal(err)
	}
	if l.Status != domain.StatusNoDocuments {
		t.Errorf("expected no_documents, got %s", l.Status)
	}
}

func TestRunUnreadableDocuments(t *testing.T) {
	srv := fiaSite(t, nil)
	cfg := testConfig(srv.URL)
	cfg.jsonOut = true

	var out bytes.Buffer
	if code := run(context.Background(), cfg, &out, &bytes.Buffer{}); code != exitNotFound {
		t.Fatalf("expected exit 2, got %d", code)
	}
	var l domain.Lookup
	if err := json.Unmarshal(out.Bytes(), &l); err != nil {
		t.Fatal(err)
	}
	if l.Status != domain.StatusFetchFailed || l.Tried != 2 || l.Failed != 2 {
		t.Errorf("unexpected lookup %+v", l)
	}
}

func TestRunUnsupportedYear(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()
	cfg := testConfig(srv.URL)
	cfg.year = 2018

	if code := run(context.Background(), cfg, &bytes.Buffer{}, &bytes.Buffer{}); code != exitError {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if hits != 0 {
		t.Errorf("expected no requests, got %d", hits)
	}
}

func TestRunBadLogLevel(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.logLevel = "loud"
	if code := run(context.Background(), cfg, &bytes.Buffer{}, &bytes.Buffer{}); code != exitError {
		t.Fatalf("expected exit 1, got %d", code)
	}
}

func startNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	ns.Start()
	if !ns.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestRunPublishesToNATS(t *testing.T) {
	ns := startNATS(t)
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("f1.compounds.lookup", ch)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	nc.Flush()

	srv := fiaSite(t, nil)
	cfg := testConfig(srv.URL)
	cfg.year, cfg.race = 2019, "german"
	cfg.natsURL = ns.ClientURL()

	if code := run(context.Background(), cfg, &bytes.Buffer{}, &bytes.Buffer{}); code != exitNotFound {
		t.Fatalf("expected exit 2, got %d", code)
	}

	select {
	case msg := <-ch:
		var l domain.Lookup
		if err := json.Unmarshal(msg.Data, &l); err != nil {
			t.Fatal(err)
		}
		if l.Year != 2019 || l.Race != "german" || l.Status != domain.StatusNoDocuments {
			t.Errorf("unexpected published lookup %+v", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for published lookup")
	}
}

func TestRunNATSUnavailable(t *testing.T) {
	srv := fiaSite(t, nil)
	cfg := testConfig(srv.URL)
	cfg.natsURL = "nats://127.0.0.1:1"
	if code := run(context.Background(), cfg, &bytes.Buffer{}, &bytes.Buffer{}); code != exitError {
		t.Fatalf("expected exit 1, got %d", code)
	}
}

func TestExtractLocal(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "notes.pdf")
	if err := os.WriteFile(bad, []byte("not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config{pdfPath: bad, logLevel: "error"}
	if code := run(context.Background(), cfg, &bytes.Buffer{}, &bytes.Buffer{}); code != exitError {
		t.Fatalf("expected exit 1 for malformed pdf, got %d", code)
	}
	cfg.pdfPath = filepath.Join(dir, "missing.pdf")
	if code := run(context.Background(), cfg, &bytes.Buffer{}, &bytes.Buffer{}); code != exitError {
		t.Fatalf("expected exit 1 for missing file, got %d", code)
	}
}

func TestRenderLookup(t *testing.T) {
	var out bytes.Buffer
	renderLookup(&out, domain.Lookup{
		Year: 2022, Race: "British", Status: domain.StatusFound,
		Compounds: domain.NewCompoundSet("C3", "C1", "C2"), SourceURL: "https://www.fia.com/notes.pdf",
	})
	s := out.String()
	for _, want := range []string{"2022 British Grand Prix", "C1", "C2", "C3", "https://www.fia.com/notes.pdf"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
	if strings.Index(s, "C1") > strings.Index(s, "C3") {
		t.Errorf("compounds not sorted:\n%s", s)
	}

	out.Reset()
	renderLookup(&out, domain.Lookup{Year: 2020, Race: "Styrian", Status: domain.StatusNotFound, Tried: 3})
	if !strings.Contains(out.String(), "no compound selection in 3 documents") {
		t.Errorf("unexpected not-found output:\n%s", out.String())
	}
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	p := newProgressBar(&out)
	p.Start(2, "searching for tyre compounds in British in 2022")
	p.Step(1, "https://www.fia.com/a.pdf")
	p.Step(2, "https://www.fia.com/b.pdf")
	p.Done()

	s := out.String()
	if !strings.Contains(s, "searching for tyre compounds in British in 2022") {
		t.Errorf("missing description:\n%s", s)
	}
	if !strings.Contains(s, "1/2") || !strings.Contains(s, "2/2") || !strings.Contains(s, "b.pdf") {
		t.Errorf("missing steps:\n%s", s)
	}
	if !strings.Contains(s, "█") || !strings.Contains(s, "░") {
		t.Errorf("missing bar:\n%s", s)
	}
}

// lookupStore keeps lookups in memory under their registry key.
type lookupStore map[string]domain.Lookup

func (s lookupStore) Get(_ context.Context, key string) (domain.Lookup, error) {
	l, ok := s[key]
	if !ok {
		return domain.Lookup{}, repo.ErrNotFound
	}
	return l, nil
}

func (s lookupStore) Upsert(_ context.Context, l domain.Lookup) (domain.Lookup, error) {
	s[registry.Key(l.Year, l.Race)] = l
	return l, nil
}

func TestShowLast(t *testing.T) {
	reg := registry.NewWithStore(lookupStore{})
	ctx := context.Background()
	if err := reg.SaveLookup(ctx, domain.Lookup{
		Year: 2022, Race: "British", Status: domain.StatusFound,
		Compounds: domain.NewCompoundSet("C1", "C2", "C3"), SourceURL: "https://www.fia.com/notes.pdf",
		LookedUpAt: time.Date(2022, 7, 1, 10, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig("")

	var out bytes.Buffer
	if code := showLast(ctx, cfg, reg, &out, discard()); code != exitFound {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out.String(), "C2") || !strings.Contains(out.String(), "2022-07-01T10:00:00Z") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	cfg.year, cfg.race = 2021, "monaco"
	out.Reset()
	if code := showLast(ctx, cfg, reg, &out, discard()); code != exitNotFound {
		t.Fatalf("expected exit 2 for unrecorded event, got %d", code)
	}
	if !strings.Contains(out.String(), "no recorded lookup for 2021 monaco") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

type failingStore struct{ lookupStore }

func (failingStore) Get(context.Context, string) (domain.Lookup, error) {
	return domain.Lookup{}, errors.New("neo4j unavailable")
}

func TestShowLastStoreError(t *testing.T) {
	reg := registry.NewWithStore(failingStore{})
	if code := showLast(context.Background(), testConfig(""), reg, &bytes.Buffer{}, discard()); code != exitError {
		t.Fatalf("expected exit 1, got %d", code)
	}
}

// syncBuffer is a bytes.Buffer safe to write from the NATS callback goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchLookups(t *testing.T) {
	ns := startNATS(t)
	cfg := testConfig("")
	cfg.natsURL = ns.ClientURL()
	cfg.jsonOut = true

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan int, 1)
	go func() { done <- watchLookups(ctx, cfg, out, discard()) }()

	nc, err := natsutil.Connect(ns.ClientURL(), "watch-test", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	l := domain.Lookup{Year: 2023, Race: "Japanese", Status: domain.StatusFound, Compounds: domain.NewCompoundSet("C1", "C2", "C3")}
	deadline := time.After(3 * time.Second)
	for !strings.Contains(out.String(), `"race":"Japanese"`) {
		// The watcher may not have subscribed yet; republish until it prints.
		if err := natsutil.PublishSync(context.Background(), nc, cfg.subject, l); err != nil {
			t.Fatal(err)
		}
		select {
		case <-deadline:
			t.Fatalf("lookup not printed, output: %q", out.String())
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case code := <-done:
		if code != exitFound {
			t.Errorf("expected exit 0, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestWatchLookupsConnectError(t *testing.T) {
	cfg := testConfig("")
	cfg.natsURL = "nats://127.0.0.1:1"
	if code := watchLookups(context.Background(), cfg, &bytes.Buffer{}, discard()); code != exitError {
		t.Fatalf("expected exit 1, got %d", code)
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
