package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/greatliontech/heat/internal/config"
	"github.com/greatliontech/heat/internal/invoke"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/docstore/memdocstore"
)

const (
	testDownloadDir = "/var/www/download"
	testDownloadURL = "http://heat.example.org/download"
)

// fakeInvoker writes a small file for every output path it is given,
// unless result is set.
type fakeInvoker struct {
	mu     sync.Mutex
	bucket *blob.Bucket
	reqs   []*invoke.Request
	result *invoke.Result
	err    error
}

func (f *fakeInvoker) Invoke(ctx context.Context, req *invoke.Request) (*invoke.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.result != nil {
		return f.result, f.err
	}
	for _, a := range req.Args {
		s := a.String()
		if !strings.HasPrefix(s, req.OutPath()+"/") {
			continue
		}
		key := path.Join(invoke.OutDir, path.Base(s))
		if ok, _ := f.bucket.Exists(ctx, key); ok {
			// downloaded input
			continue
		}
		if err := f.bucket.WriteAll(ctx, key, []byte("result of "+req.Script), nil); err != nil {
			return nil, err
		}
	}
	return &invoke.Result{UserMessage: invoke.NoError}, nil
}

func (f *fakeInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func testConfig() *config.Config {
	return &config.Config{
		DownloadDir: testDownloadDir,
		DownloadURL: testDownloadURL + "/",
		InputDir:    "/srv/heat/inputs",
		Runtime:     config.RuntimeDocker,
		Image:       "heat:20250525",
		Download:    config.Download{AllowedHosts: []string{"127.0.0.1"}},
	}
}

func setupTestService(t *testing.T) (*Service, *fakeInvoker) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	coll, err := memdocstore.OpenCollection("id", nil)
	if err != nil {
		t.Fatal(err)
	}
	inv := &fakeInvoker{bucket: bucket}
	svc, err := New(testConfig(),
		WithInvoker(inv),
		WithBucket(bucket),
		WithJobCollection(coll),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := svc.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return svc, inv
}

func do(t *testing.T, svc *Service, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestListProcesses(t *testing.T) {
	svc, _ := setupTestService(t)

	rec := do(t, svc, "GET", "/processes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	type processIDs struct {
		Processes []struct {
			ID string `json:"id"`
		} `json:"processes"`
	}
	got := decode[processIDs](t, rec)
	var ids []string
	for _, p := range got.Processes {
		ids = append(ids, p.ID)
	}
	if strings.Join(ids, ",") != "heat1,heat2,heat3,heat3advanced,heat4,heat4advanced,heat5" {
		t.Errorf("process ids = %v", ids)
	}
}

func TestDescribeProcess(t *testing.T) {
	svc, _ := setupTestService(t)

	rec := do(t, svc, "GET", "/processes/heat3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	desc := decode[map[string]any](t, rec)
	if desc["id"] != "heat3" {
		t.Errorf("id = %v", desc["id"])
	}
	inputs, _ := desc["inputs"].(map[string]any)
	if _, ok := inputs["combined_Chlorophylla_IsWeighted"]; !ok {
		t.Errorf("inputs = %v", inputs)
	}

	rec = do(t, svc, "GET", "/processes/heat9", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if e := decode[exception](t, rec); e.Code != codeNoSuchProcess {
		t.Errorf("code = %q", e.Code)
	}
}

func TestExecute(t *testing.T) {
	svc, inv := setupTestService(t)

	rec := do(t, svc, "POST", "/processes/heat1/execution", `{"inputs":{"assessment_period":"HOLAS-3"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decode[executeResponse](t, rec)
	if resp.Status != "successful" || resp.JobID == "" {
		t.Fatalf("response = %+v", resp)
	}
	if loc := rec.Header().Get("Location"); loc != "/jobs/"+resp.JobID {
		t.Errorf("Location = %q", loc)
	}

	gridded := "units_gridded-" + resp.JobID + ".shp"
	link, ok := resp.Outputs["units_gridded"]
	if !ok || link.Href == nil || *link.Href != testDownloadURL+"/out/"+gridded {
		t.Fatalf("units_gridded = %+v", link)
	}
	if link.Title == "" {
		t.Error("output title is empty")
	}

	if inv.calls() != 1 {
		t.Fatalf("invoker calls = %d", inv.calls())
	}
	req := inv.reqs[0]
	if req.Script != "run_heat1_csv.R" || req.RunToken != resp.JobID || req.OutputRoot != testDownloadDir {
		t.Errorf("request = %+v", req)
	}

	// job record
	rec = do(t, svc, "GET", "/jobs/"+resp.JobID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status = %d", rec.Code)
	}
	job := decode[jobView](t, rec)
	if job.Status != "successful" || job.ProcessID != "heat1" || job.Finished == nil {
		t.Errorf("job = %+v", job)
	}
	if len(job.Outputs) != 2 {
		t.Fatalf("job outputs = %+v", job.Outputs)
	}
	for _, o := range job.Outputs {
		if !strings.HasPrefix(o.Digest, "shake256:") || o.Size == 0 {
			t.Errorf("output %s has no digest: %+v", o.Name, o)
		}
	}

	// manifest
	rec = do(t, svc, "GET", "/jobs/"+resp.JobID+"/manifest", "")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if rec.Code != http.StatusOK || len(lines) != 2 {
		t.Fatalf("manifest status %d: %q", rec.Code, rec.Body)
	}
	if !strings.HasSuffix(lines[1], "  out/"+gridded) {
		t.Errorf("manifest = %q", lines)
	}

	// download
	rec = do(t, svc, "GET", "/download/out/"+gridded, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if rec.Body.String() != "result of run_heat1_csv.R" {
		t.Errorf("download body = %q", rec.Body)
	}
}

func TestExecute_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		process  string
		body     string
		status   int
		code     string
		contains string
	}{
		{"unknown process", "heat9", `{"inputs":{}}`, 404, codeNoSuchProcess, "heat9"},
		{"malformed body", "heat1", `{"inputs":`, 400, codeInvalidParameter, "malformed request body"},
		{"bad period", "heat1", `{"inputs":{"assessment_period":"holas-9"}}`, 400, codeInvalidParameter, "must be one of: holas-2, holas-3, other"},
		{"missing period", "heat4", `{"inputs":{"annual_indicators":"http://127.0.0.1/a.csv"}}`, 400, codeInvalidParameter, `missing parameter "assessment_period"`},
		{"wrong type", "heat3", `{"inputs":{"assessment_period":"other","samples":"http://127.0.0.1/s.csv","combined_Chlorophylla_IsWeighted":"yes"}}`, 400, codeInvalidParameter, "combined_Chlorophylla_IsWeighted"},
		{"sample url", "heat2", `{"inputs":{"assessment_period":"holas-2","bottle_data":"https://example.org/bot.txt"}}`, 501, codeNotImplemented, "only default bottle data"},
		{"host not allowed", "heat4", `{"inputs":{"assessment_period":"holas-3","annual_indicators":"https://evil.example.com/a.csv"}}`, 400, codeInvalidParameter, "evil.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, inv := setupTestService(t)
			rec := do(t, svc, "POST", "/processes/"+tt.process+"/execution", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			e := decode[exception](t, rec)
			if e.Code != tt.code {
				t.Errorf("code = %q, want %q", e.Code, tt.code)
			}
			if !strings.Contains(e.Description, tt.contains) {
				t.Errorf("description = %q, want it to contain %q", e.Description, tt.contains)
			}
			if inv.calls() != 0 {
				t.Errorf("invoker was called %d times", inv.calls())
			}
		})
	}
}

func TestExecute_ScriptFailure(t *testing.T) {
	svc, inv := setupTestService(t)
	inv.result = &invoke.Result{ExitCode: 1, UserMessage: "Error in f(): bad input argument is invalid"}

	rec := do(t, svc, "POST", "/processes/heat1/execution", `{"inputs":{"assessment_period":"holas-2"}}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	e := decode[exception](t, rec)
	if e.Code != "ProcessorExecuteError" || e.Description != "Error in f(): bad input argument is invalid" {
		t.Errorf("error = %+v", e)
	}

	rec = do(t, svc, "GET", "/jobs?process=heat1", "")
	jobs := decode[jobList](t, rec)
	if len(jobs.Jobs) != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}
	j := jobs.Jobs[0]
	if j.Status != "failed" || j.ExitCode != 1 || j.Message != e.Description {
		t.Errorf("job = %+v", j)
	}
}

func TestExecute_LaunchFailure(t *testing.T) {
	svc, inv := setupTestService(t)
	launchErr := fmt.Errorf("%w: exec: \"docker\": executable file not found in $PATH", invoke.ErrLaunch)
	inv.result = &invoke.Result{ExitCode: invoke.LaunchFailed, UserMessage: "could not start docker"}
	inv.err = launchErr

	rec := do(t, svc, "POST", "/processes/heat1/execution", `{"inputs":{"assessment_period":"holas-2"}}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if e := decode[exception](t, rec); e.Description != "could not start docker" {
		t.Errorf("description = %q", e.Description)
	}
}

func TestExecute_DownloadsInput(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/annual.csv" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "indicator,year,value\n")
	}))
	defer src.Close()

	svc, inv := setupTestService(t)
	body := fmt.Sprintf(`{"inputs":{"assessment_period":"holas-3","annual_indicators":%q}}`, src.URL+"/annual.csv")
	rec := do(t, svc, "POST", "/processes/heat4/execution", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[executeResponse](t, rec)

	want := testDownloadDir + "/out/annual_indicators-" + resp.JobID + ".csv"
	if got := inv.reqs[0].Args[0].String(); got != want {
		t.Errorf("first argument = %q, want %q", got, want)
	}
	rec = do(t, svc, "GET", "/download/out/annual_indicators-"+resp.JobID+".csv", "")
	if rec.Body.String() != "indicator,year,value\n" {
		t.Errorf("downloaded input = %q", rec.Body)
	}

	// missing remote file
	body = fmt.Sprintf(`{"inputs":{"assessment_period":"holas-3","annual_indicators":%q}}`, src.URL+"/missing.csv")
	rec = do(t, svc, "POST", "/processes/heat4/execution", body)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestExecute_AdvancedTables(t *testing.T) {
	files := map[string]string{
		"/annual.csv":         "indicator,year,value\n",
		"/indicators.csv":     "IndicatorID,Name\n",
		"/indicatorunits.csv": "IndicatorID,UnitID\n",
	}
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, b)
	}))
	defer src.Close()

	svc, inv := setupTestService(t)
	body := fmt.Sprintf(`{"inputs":{"annual_indicators":%q,"table_indicators":%q,"table_indicator_units":%q}}`,
		src.URL+"/annual.csv", src.URL+"/indicators.csv", src.URL+"/indicatorunits.csv")
	rec := do(t, svc, "POST", "/processes/heat4advanced/execution", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decode[executeResponse](t, rec)
	if _, ok := resp.Outputs["assessment_indicators"]; !ok {
		t.Errorf("outputs = %+v", resp.Outputs)
	}

	out := testDownloadDir + "/out/"
	want := []string{
		out + "annual_indicators-" + resp.JobID + ".csv",
		out + "indicators-" + resp.JobID + ".csv",
		out + "indicatorunits-" + resp.JobID + ".csv",
		out + "AssessmentIndicators-" + resp.JobID + ".csv",
	}
	var got []string
	for _, a := range inv.reqs[0].Args {
		got = append(got, a.String())
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("args = %q, want %q", got, want)
	}
	rec = do(t, svc, "GET", "/download/out/indicatorunits-"+resp.JobID+".csv", "")
	if rec.Body.String() != files["/indicatorunits.csv"] {
		t.Errorf("downloaded table = %q", rec.Body)
	}
}

func TestExecute_EmitsLogRecord(t *testing.T) {
	var buf bytes.Buffer
	exp, err := stdoutlog.New(stdoutlog.WithWriter(&buf))
	if err != nil {
		t.Fatal(err)
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	global.SetLoggerProvider(lp)
	t.Cleanup(func() { lp.Shutdown(context.Background()) })

	svc, inv := setupTestService(t)
	inv.result = &invoke.Result{ExitCode: 1, UserMessage: "Error in grid_units(): no units"}
	rec := do(t, svc, "POST", "/processes/heat1/execution", `{"inputs":{"assessment_period":"holas-2"}}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	out := buf.String()
	for _, want := range []string{"execution finished", "heat1", "failed", "Error in grid_units(): no units"} {
		if !strings.Contains(out, want) {
			t.Errorf("log record %q does not contain %q", out, want)
		}
	}
}

func TestListJobs(t *testing.T) {
	svc, _ := setupTestService(t)
	for _, p := range []string{"heat1", "heat1", "heat5"} {
		body := `{"inputs":{"assessment_period":"other"}}`
		if p == "heat5" {
			body = `{"inputs":{"assessment_period":"other","assessment_indicators":"ftp://127.0.0.1/x"}}`
		}
		do(t, svc, "POST", "/processes/"+p+"/execution", body)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?process=heat1", 2},
		{"?process=heat5", 1},
		{"?limit=1", 1},
		{"?process=heat2", 0},
	}
	for _, tt := range tests {
		rec := do(t, svc, "GET", "/jobs"+tt.query, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.query, rec.Code)
		}
		if got := len(decode[jobList](t, rec).Jobs); got != tt.want {
			t.Errorf("%s: %d jobs, want %d", tt.query, got, tt.want)
		}
	}

	for _, q := range []string{"?limit=abc", "?limit=0"} {
		if rec := do(t, svc, "GET", "/jobs"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestNotFound(t *testing.T) {
	svc, _ := setupTestService(t)
	for _, target := range []string{
		"/jobs/0a6c1a4e-0000-0000-0000-000000000000",
		"/jobs/0a6c1a4e-0000-0000-0000-000000000000/manifest",
		"/download/out/nothing.csv",
	} {
		rec := do(t, svc, "GET", target, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", target, rec.Code)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	svc, _ := setupTestService(t)

	if rec := do(t, svc, "GET", "/readyz", ""); rec.Body.String() != "ready" {
		t.Errorf("readyz = %q", rec.Body)
	}
	if rec := do(t, svc, "GET", "/livez", ""); rec.Body.String() != "live" {
		t.Errorf("livez = %q", rec.Body)
	}

	do(t, svc, "POST", "/processes/heat1/execution", `{"inputs":{"assessment_period":"holas-2"}}`)
	do(t, svc, "POST", "/processes/heat1/execution", `{"inputs":{"assessment_period":"x"}}`)

	rec := do(t, svc, "GET", "/metrics", "")
	for _, want := range []string{
		`heat_executions_total{outcome="successful",process="heat1"} 1`,
		`heat_executions_total{outcome="rejected",process="heat1"} 1`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{errors.New("boom"), 500, codeInternal},
		{fmt.Errorf("open: %w", errors.New("disk")), 500, codeInternal},
	}
	for _, tt := range tests {
		status, code, msg := classify(tt.err)
		if status != tt.status || code != tt.code || msg != tt.err.Error() {
			t.Errorf("classify(%v) = %d %s %q", tt.err, status, code, msg)
		}
	}
}

func TestLoadTLSCert(t *testing.T) {
	cert, err := loadTLSCert(&config.TLS{CertFile: "only-cert.pem"})
	if cert != nil || err != nil {
		t.Errorf("incomplete config: cert=%v err=%v", cert, err)
	}
	if _, err := loadTLSCert(&config.TLS{CertPEM: "bad", KeyPEM: "bad"}); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestDebugMiddleware(t *testing.T) {
	var seen string
	h := debugMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusTeapot)
	}))

	form := url.Values{"a": {"1"}}.Encode()
	req := httptest.NewRequest("POST", "/x", strings.NewReader(form))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != form {
		t.Errorf("handler saw body %q, want %q", seen, form)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}
