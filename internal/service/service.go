package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/greatliontech/heat/internal/config"
	"github.com/greatliontech/heat/internal/fetch"
	"github.com/greatliontech/heat/internal/heat"
	"github.com/greatliontech/heat/internal/invoke"
	"github.com/greatliontech/heat/internal/metrics"
	"github.com/greatliontech/heat/internal/storage"
	"github.com/greatliontech/ocifs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/gcpfirestore"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var (
	tracer = otel.Tracer("heat/internal/service")
	meter  = otel.Meter("heat/internal/service")
)

type Service struct {
	conf        *config.Config
	server      *http.Server
	cert        *tls.Certificate
	proc        *heat.Processor
	jobs        storage.JobStore
	outputs     storage.OutputStore
	metrics     *metrics.Metrics
	duration    metric.Float64Histogram
	bucket      *blob.Bucket
	downloadURL string
}

type options struct {
	invoker invoke.Invoker
	bucket  *blob.Bucket
	jobs    *docstore.Collection
	client  *http.Client
}

type Option func(*options)

// WithInvoker replaces the invoker selected by the configured runtime.
func WithInvoker(inv invoke.Invoker) Option {
	return func(o *options) {
		o.invoker = inv
	}
}

// WithBucket replaces the output bucket opened from the configuration.
// The service takes ownership of b.
func WithBucket(b *blob.Bucket) Option {
	return func(o *options) {
		o.bucket = b
	}
}

// WithJobCollection replaces the jobs collection opened from the
// configuration. The service takes ownership of c.
func WithJobCollection(c *docstore.Collection) Option {
	return func(o *options) {
		o.jobs = c
	}
}

// WithHTTPClient sets the client used to download input files.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

func New(c *config.Config, opts ...Option) (*Service, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	svc := &Service{
		conf:        c,
		metrics:     metrics.New(),
		downloadURL: strings.TrimRight(c.DownloadURL, "/"),
	}

	if svc.conf.Address == "" {
		svc.conf.Address = ":8080"
	}

	// Load TLS certificate if configured (from files or PEM strings)
	if c.TLS != nil {
		cert, err := loadTLSCert(c.TLS)
		if err != nil {
			return nil, err
		}
		if cert != nil {
			svc.cert = cert
		}
	}

	duration, err := meter.Float64Histogram("heat.execution.duration",
		metric.WithDescription("Duration of process executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	svc.duration = duration

	ctx := context.Background()

	// The output bucket is rooted at the download directory, so fetched
	// inputs land next to the files the R programs write.
	svc.bucket = o.bucket
	if svc.bucket == nil {
		blobURL := storage.FileBucketURL(c.DownloadDir)
		if c.Storage != nil && c.Storage.BlobURL != "" {
			blobURL = c.Storage.BlobURL
		}
		svc.bucket, err = storage.OpenBucket(ctx, blobURL)
		if err != nil {
			return nil, err
		}
		slog.Info("Output storage initialized", "url", blobURL)
	}
	svc.outputs = storage.NewOutputStore(svc.bucket)

	coll := o.jobs
	if coll == nil {
		docstoreURL := "mem://"
		if c.Storage != nil && c.Storage.DocstoreURL != "" {
			docstoreURL = c.Storage.DocstoreURL
		}
		coll, err = storage.OpenJobCollection(ctx, docstoreURL, c.CacheDir)
		if err != nil {
			return nil, errors.Join(err, svc.bucket.Close())
		}
		slog.Info("Job storage initialized", "url", docstoreURL)
	}
	svc.jobs = storage.NewJobStore(coll)

	inv := o.invoker
	if inv == nil {
		inv, err = newInvoker(c)
		if err != nil {
			return nil, errors.Join(err, svc.Close())
		}
	}

	fetchOpts := []fetch.Option{
		fetch.WithAllowedHosts(c.Download.AllowedHosts...),
		fetch.WithTimeout(c.Download.Timeout),
	}
	if o.client != nil {
		fetchOpts = append(fetchOpts, fetch.WithClient(o.client))
	}
	fetcher := fetch.New(svc.bucket, c.DownloadDir, invoke.OutDir, fetchOpts...)

	svc.proc, err = heat.New(heat.Settings{
		Executable:  c.Executable(),
		Image:       c.Image,
		InputDir:    c.InputDir,
		DownloadDir: c.DownloadDir,
		DownloadURL: c.DownloadURL,
	}, inv, fetcher)
	if err != nil {
		return nil, errors.Join(err, svc.Close())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /processes", svc.listProcesses)
	mux.HandleFunc("GET /processes/{id}", svc.describeProcess)
	mux.HandleFunc("POST /processes/{id}/execution", svc.execute)
	mux.HandleFunc("GET /jobs", svc.listJobs)
	mux.HandleFunc("GET /jobs/{id}", svc.getJob)
	mux.HandleFunc("GET /jobs/{id}/manifest", svc.getManifest)
	mux.HandleFunc("GET /download/{path...}", svc.download)
	mux.Handle("GET /metrics", svc.metrics.Handler())

	mux.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ready")
	}))
	mux.Handle("/livez", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "live")
	}))

	var handler http.Handler = mux
	// Debug middleware - enable with HEAT_DEBUG_HTTP=1
	if os.Getenv("HEAT_DEBUG_HTTP") == "1" {
		handler = debugMiddleware(mux)
		slog.Info("Debug HTTP logging enabled")
	}

	svc.server = &http.Server{
		Addr:    svc.conf.Address,
		Handler: handler,
	}

	if svc.cert != nil {
		svc.server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*svc.cert}}
	}

	return svc, nil
}

// newInvoker selects the invoker for the configured runtime.
func newInvoker(c *config.Config) (invoke.Invoker, error) {
	switch c.Runtime {
	case config.RuntimeDocker:
		return invoke.NewDockerCLI(), nil
	case config.RuntimeEngine:
		return invoke.NewEngineFromEnv()
	case config.RuntimeRscript:
		return invoke.NewRscript(c.Rscript.ScriptDir), nil
	case config.RuntimeNamespace:
		ofsOpts := []ocifs.Option{}
		for k, v := range c.Credentials.ContainerRegistry {
			ofsOpts = append(ofsOpts, ocifs.WithAuthSource(k, authn.AuthConfig(v)))
			slog.Debug("auth source configured", "registry", k)
		}
		ofs, err := ocifs.New(ofsOpts...)
		if err != nil {
			return nil, err
		}
		stateDir := ""
		if c.CacheDir != "" {
			stateDir = filepath.Join(c.CacheDir, "sandbox")
		}
		return invoke.NewNamespace(ofs, stateDir), nil
	}
	return nil, fmt.Errorf("unknown runtime %q", c.Runtime)
}

// Handler returns the HTTP handler of the service.
func (svc *Service) Handler() http.Handler {
	return svc.server.Handler
}

func (svc *Service) Serve(ctx context.Context) error {
	if svc.cert != nil {
		svc.server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*svc.cert}}
		if err := http2.ConfigureServer(svc.server, nil); err != nil {
			return err
		}
		return svc.server.ListenAndServeTLS("", "")
	}
	h2s := &http2.Server{}
	handler := h2c.NewHandler(svc.server.Handler, h2s)
	svc.server.Handler = handler
	svc.server.BaseContext = func(listener net.Listener) context.Context {
		return ctx
	}
	return svc.server.ListenAndServe()
}

func (svc *Service) Shutdown(ctx context.Context) error {
	return svc.server.Shutdown(ctx)
}

// Close releases the job and output storage.
func (svc *Service) Close() error {
	var errs []error
	if svc.jobs != nil {
		errs = append(errs, svc.jobs.Close())
	}
	if svc.bucket != nil {
		errs = append(errs, svc.bucket.Close())
	}
	return errors.Join(errs...)
}

func loadTLSCert(tlsConf *config.TLS) (*tls.Certificate, error) {
	switch {
	case tlsConf.CertFile != "" && tlsConf.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(tlsConf.CertFile, tlsConf.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate from files: %w", err)
		}
		slog.Info("TLS enabled", "cert", tlsConf.CertFile)
		return &cert, nil
	case tlsConf.CertPEM != "" && tlsConf.KeyPEM != "":
		// e.g. from env vars via ${TLS_CERT}
		cert, err := tls.X509KeyPair([]byte(tlsConf.CertPEM), []byte(tlsConf.KeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate from PEM: %w", err)
		}
		slog.Info("TLS enabled from PEM")
		return &cert, nil
	default:
		// Incomplete TLS config
		return nil, nil
	}
}

// debugMiddleware logs all HTTP requests for debugging.
func debugMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var bodyPreview string
		if r.Body != nil && r.ContentLength > 0 && r.ContentLength < 4096 {
			body, err := io.ReadAll(r.Body)
			if err == nil {
				bodyPreview = string(body)
				r.Body = io.NopCloser(strings.NewReader(string(body)))
			}
		}

		headers := make(map[string]string)
		for k, v := range r.Header {
			if len(v) == 1 {
				headers[k] = v[0]
			} else {
				headers[k] = fmt.Sprintf("%v", v)
			}
		}

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"query", r.URL.RawQuery,
			"headers", headers,
			"content-length", r.ContentLength,
			"body", bodyPreview,
		)

		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)

		slog.Debug("HTTP response",
			"path", r.URL.Path,
			"status", wrapped.status,
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
