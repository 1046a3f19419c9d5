// Command archiveworker is a reference implementation of the worker
// protocol described in spec.md §6: poll for a job, fetch the publisher's
// bytes over a rate-limited, host-scoped transport, and submit the result
// back to the coordinator. It exercises the worker side of the protocol
// end to end; production deployments are expected to supply their own
// fetch logic per publisher while keeping this request/submit shape.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/time/rate"

	"github.com/textvault/coordinator/internal/logging"
)

type cli struct {
	CoordinatorAddress string `env:"DL_SCRIPT_ADDRESS" required:"" help:"Base URL of the coordinator."`
	ClientName         string `env:"DL_SCRIPT_NAME" required:"" help:"Name this worker reports to the coordinator."`
	AdminToken         string `env:"ADMIN_TOKEN" required:"" help:"Token required on worker protocol endpoints."`
	PublisherHost      string `env:"PUBLISHER_HOST" required:"" help:"Host to fetch work bytes from."`
	Proxy              string `env:"PROXYADDRESS" default:"" help:"Outbound HTTPS proxy for publisher fetches."`
	RPM                int    `default:"30" help:"Maximum publisher requests per minute."`
	Once               bool   `help:"Run a single poll/fetch/submit cycle instead of looping."`
	Verbose            bool   `help:"Increase log verbosity."`
}

var formatMimetypes = map[string]string{
	"pdf":  "application/pdf",
	"epub": "application/epub+zip",
	"html": "text/html",
	"azw3": "application/vnd.amazon.ebook",
	"mobi": "application/x-mobipocket-ebook",
	"txt":  "text/plain",
}

func (c *cli) Run() error {
	if c.Verbose {
		logging.SetVerbose()
	}

	publisher, err := c.publisherClient()
	if err != nil {
		return err
	}

	w := &worker{
		coordinatorAddress: c.CoordinatorAddress,
		clientName:         c.ClientName,
		adminToken:         c.AdminToken,
		publisherHost:      c.PublisherHost,
		publisher:          publisher,
		coordinator:        &http.Client{},
	}

	ctx := context.Background()
	if c.Once {
		return w.cycle(ctx)
	}
	for {
		if err := w.cycle(ctx); err != nil {
			logging.Log(ctx).Warn("cycle failed", "err", err)
		}
		time.Sleep(5 * time.Second)
	}
}

// publisherClient builds the rate-limited, host-scoped, optionally
// proxied client used for outbound fetches, following the teacher's
// transport-middleware stack (transport.go) with its throttled and scoped
// layers; no cookie layer is included.
func (c *cli) publisherClient() (*http.Client, error) {
	base := http.DefaultTransport
	if c.Proxy != "" {
		proxyURL, err := url.Parse(c.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy address: %w", err)
		}
		base = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	transport := scopedTransport{
		host:         c.PublisherHost,
		RoundTripper: base,
	}
	throttled := throttledTransport{
		RoundTripper: transport,
		Limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.RPM)), 1),
	}

	return &http.Client{Transport: throttled}, nil
}

// throttledTransport rate limits requests and backs off after a 403,
// following the teacher's own throttledTransport (transport.go).
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	resp, err := t.RoundTripper.RoundTrip(r)
	if err == nil && resp.StatusCode == http.StatusForbidden {
		slog.Default().Warn("backing off after 403", "limit", t.Limiter.Limit())
		orig := t.Limiter.Limit()
		t.Limiter.SetLimit(rate.Every(time.Hour / 60))
		t.Limiter.SetLimitAt(time.Now().Add(time.Minute), orig)
	}
	return resp, err
}

// scopedTransport restricts requests to the configured publisher host.
type scopedTransport struct {
	host string
	http.RoundTripper
}

func (t scopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.host
	r.Host = t.host
	return t.RoundTripper.RoundTrip(r)
}

type worker struct {
	coordinatorAddress string
	clientName         string
	adminToken         string
	publisherHost      string

	publisher   *http.Client
	coordinator *http.Client
}

type jobAssignment struct {
	Status     string `json:"status"`
	DispatchID int64  `json:"dispatch_id"`
	JobID      int64  `json:"job_id"`
	WorkID     int64  `json:"work_id"`
	WorkFormat string `json:"work_format"`
	ReportCode int32  `json:"report_code"`
	Updated    int64  `json:"updated"`
}

// cycle runs one request_job / fetch / submit_job round trip.
func (w *worker) cycle(ctx context.Context) error {
	job, err := w.requestJob(ctx)
	if err != nil {
		return fmt.Errorf("requesting job: %w", err)
	}
	if job.Status == "queue empty" {
		logging.Log(ctx).Info("no jobs available")
		return nil
	}

	logging.Log(ctx).Info("downloading", "work_id", job.WorkID, "format", job.WorkFormat, "updated", job.Updated)

	data, contentType, err := w.fetchFromPublisher(ctx, job)
	if err != nil {
		return fmt.Errorf("fetching work %d: %w", job.WorkID, err)
	}
	if want := formatMimetypes[job.WorkFormat]; want != "" && contentType != want {
		return fmt.Errorf("work %d: unexpected content-type %q, want %q", job.WorkID, contentType, want)
	}

	return w.submitJob(ctx, job, data)
}

func (w *worker) requestJob(ctx context.Context) (*jobAssignment, error) {
	body, _ := json.Marshal(map[string]string{"client_name": w.clientName})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.coordinatorAddress+"/request_job", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Token", w.adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.coordinator.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var job jobAssignment
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (w *worker) fetchFromPublisher(ctx context.Context, job *jobAssignment) ([]byte, string, error) {
	fetchURL := fmt.Sprintf("https://%s/downloads/%d/file.%s?updated_at=%d", w.publisherHost, job.WorkID, job.WorkFormat, job.Updated)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := w.publisher.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("publisher returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (w *worker) submitJob(ctx context.Context, job *jobAssignment, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("dispatch_id", fmt.Sprint(job.DispatchID))
	_ = mw.WriteField("report_code", fmt.Sprint(job.ReportCode))

	fw, err := mw.CreateFormFile("work", fmt.Sprintf("%d.%s", job.WorkID, job.WorkFormat))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.coordinatorAddress+"/submit_job", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Token", w.adminToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.coordinator.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit_job returned status %d", resp.StatusCode)
	}
	logging.Log(ctx).Info("submitted work", "work_id", job.WorkID)
	return nil
}

func main() {
	var c cli
	kctx := kong.Parse(&c)
	err := kctx.Run()
	if err != nil {
		logging.Log(context.Background()).Error("fatal", "err", err)
		os.Exit(1)
	}
}
