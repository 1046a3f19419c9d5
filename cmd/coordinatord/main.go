// Command coordinatord runs the archival coordinator: the queue/dispatch
// state machine, the content-addressed version engine, and the
// supporting-object subsystem, wired onto the HTTP surface described in
// spec.md §6.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/ohler55/ojg/oj"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/textvault/coordinator/internal/blobstore"
	"github.com/textvault/coordinator/internal/bulk"
	"github.com/textvault/coordinator/internal/coordinator"
	"github.com/textvault/coordinator/internal/logging"
	"github.com/textvault/coordinator/internal/objects"
	"github.com/textvault/coordinator/internal/pipeline"
	"github.com/textvault/coordinator/internal/queue"
	"github.com/textvault/coordinator/internal/store"
	"github.com/textvault/coordinator/internal/version"
)

// cli contains our command-line flags.
type cli struct {
	Serve   serve   `cmd:"" help:"Run the coordinator HTTP server."`
	Migrate migrate `cmd:"" help:"Apply pending schema migrations and exit."`
	Inspect inspect `cmd:"" help:"Print a job's current state as formatted JSON."`
}

type pgconfig struct {
	PostgresHost     string `env:"POSTGRESQL_HOST" default:"localhost" help:"Postgres host."`
	PostgresUser     string `env:"POSTGRESQL_USER" default:"postgres" help:"Postgres user."`
	PostgresPassword string `env:"POSTGRESQL_PASSWORD" default:"" help:"Postgres password."`
	PostgresPort     int    `env:"POSTGRESQL_PORT" default:"5432" help:"Postgres port."`
	PostgresDatabase string `env:"POSTGRESQL_DATABASE" default:"coordinator" help:"Postgres database to use."`
}

func (c *pgconfig) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDatabase)
}

type s3config struct {
	S3PublicKey    string `env:"S3_PUBLIC_KEY" help:"S3 access key."`
	S3PrivateKey   string `env:"S3_PRIVATE_KEY" help:"S3 secret key."`
	S3RegionName   string `env:"S3_REGION_NAME" default:"us-east-1" help:"S3 region."`
	S3Endpoint     string `env:"S3_ENDPOINT" help:"S3-compatible endpoint URL."`
	S3Bucket       string `env:"S3_BUCKET" required:"" help:"S3 bucket for blob storage."`
	S3AddressStyle string `env:"ADDRESS_STYLE" default:"virtual" help:"S3 address style: virtual or path."`
}

func (c *s3config) blobstoreConfig() blobstore.Config {
	return blobstore.Config{
		PublicKey:    c.S3PublicKey,
		PrivateKey:   c.S3PrivateKey,
		Region:       c.S3RegionName,
		Endpoint:     c.S3Endpoint,
		Bucket:       c.S3Bucket,
		AddressStyle: blobstore.AddressStyle(c.S3AddressStyle),
	}
}

type logconfig struct {
	Verbose bool `help:"Increase log verbosity."`
}

func (c *logconfig) apply() {
	if c.Verbose {
		logging.SetVerbose()
	}
}

type serve struct {
	pgconfig
	s3config
	logconfig

	Port       int    `default:"8080" help:"Port to serve traffic on."`
	AdminToken string `env:"ADMIN_TOKEN" required:"" help:"Token required on worker protocol endpoints."`
}

func (s *serve) Run() error {
	s.logconfig.apply()
	ctx := context.Background()

	db, err := store.Open(ctx, s.dsn())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	blobs, err := blobstore.New(ctx, s.blobstoreConfig())
	if err != nil {
		return fmt.Errorf("setting up blob store: %w", err)
	}

	objectsEngine := objects.New(db, blobs)
	versionEngine := version.New(db, blobs, objectsEngine)
	pipe := pipeline.New(db, versionEngine)
	q := queue.New(db)
	bulkExporter, err := bulk.New(db, blobs)
	if err != nil {
		return fmt.Errorf("setting up bulk exporter: %w", err)
	}

	reg := prometheus.NewRegistry()
	store.NewMetrics(ctx, db, reg)

	go q.RunHeartbeat(ctx)

	h := &coordinator.Handler{
		Queue:      q,
		Version:    versionEngine,
		Objects:    objectsEngine,
		Pipeline:   pipe,
		Bulk:       bulkExporter,
		Store:      db,
		AdminToken: s.AdminToken,
	}
	mux := coordinator.NewRouter(h)

	root := http.NewServeMux()
	root.Handle("/", mux)
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var handler http.Handler = root
	handler = stampede.Handler(1024, 0)(handler)    // Coalesce requests to the same resource.
	handler = middleware.RequestSize(32 << 20)(handler) // Limit request bodies.
	handler = middleware.RedirectSlashes(handler)       // Normalize paths.
	handler = middleware.RequestID(handler)             // Include a request ID header.
	handler = middleware.Recoverer(handler)             // Recover from panics.

	addr := fmt.Sprintf(":%d", s.Port)
	srv := &http.Server{
		Handler:  handler,
		Addr:     addr,
		ErrorLog: slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}

	fmt.Println(banner(addr))
	logging.Log(ctx).Info("listening", "addr", addr)
	return srv.ListenAndServe()
}

type migrate struct {
	pgconfig
	logconfig
}

func (m *migrate) Run() error {
	m.logconfig.apply()
	ctx := context.Background()

	db, err := store.Open(ctx, m.dsn())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	logging.Log(ctx).Info("schema up to date", "version", store.CurrentVersion)
	return nil
}

type inspect struct {
	pgconfig
	logconfig

	JobID int64 `arg:"" help:"job id to inspect"`
}

func (i *inspect) Run() error {
	i.logconfig.apply()
	ctx := context.Background()

	db, err := store.Open(ctx, i.dsn())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	job, err := db.GetJob(ctx, i.JobID)
	if err != nil {
		return err
	}

	out, err := oj.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling job %d: %w", i.JobID, err)
	}
	fmt.Println(string(out))
	return nil
}

var bannerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("212")).
	BorderStyle(lipgloss.RoundedBorder()).
	Padding(0, 1)

func banner(addr string) string {
	return bannerStyle.Render(fmt.Sprintf("coordinatord serving on %s", addr))
}

func main() {
	kctx := kong.Parse(&cli{})
	err := kctx.Run()
	if err != nil {
		logging.Log(context.Background()).Error("fatal", "err", err)
		os.Exit(1)
	}
}

func init() {
	_, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithLogger(slog.Default()),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		panic(err)
	}
}
