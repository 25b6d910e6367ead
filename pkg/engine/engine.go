// Package engine drives one API endpoint to completion: it requests pages,
// repairs and validates the payload, and loads each non-empty page into the
// relational sink through the endpoint's column mapping. The loop stops on an
// empty page, on the iteration ceiling, or on an unrecoverable fault.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cisync/cisync/pkg/clients"
	"github.com/cisync/cisync/pkg/config"
	"github.com/cisync/cisync/pkg/errors"
	"github.com/cisync/cisync/pkg/logger"
	"github.com/cisync/cisync/pkg/metrics"
	"github.com/cisync/cisync/pkg/observability"
	"github.com/cisync/cisync/pkg/retry"
	"github.com/cisync/cisync/pkg/sink"
	"github.com/cisync/cisync/pkg/transform"
)

// Outcome classifies how an endpoint's loop ended.
type Outcome string

const (
	// OutcomeDone means the remote pager yielded an empty page.
	OutcomeDone Outcome = "done"
	// OutcomeAborted means the iteration ceiling tripped. Reported as a
	// pagination anomaly, not a hard failure of the run.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailed means an unrecoverable fault stopped this endpoint.
	OutcomeFailed Outcome = "failed"
)

// fetchTimeout bounds a single page fetch, nested inside the run deadline.
const fetchTimeout = 2 * time.Minute

// Result summarizes one endpoint's fetch-transform-load loop.
type Result struct {
	Table   string
	Outcome Outcome
	Pages   int
	Rows    int64
	Cursor  int
}

// Engine executes the paginated fetch-transform-load loop for endpoint
// descriptors of one tenant run.
type Engine struct {
	httpClient *clients.HTTPClient
	tokens     *clients.TokenManager
	policy     *retry.Policy
	store      sink.Sink
	tenant     *config.Tenant

	maxIterations int
	logger        *zap.Logger
	now           func() time.Time
}

// New creates an engine bound to one tenant run.
func New(httpClient *clients.HTTPClient, tokens *clients.TokenManager, policy *retry.Policy,
	store sink.Sink, tenant *config.Tenant, maxIterations int, logger *zap.Logger) *Engine {
	if maxIterations <= 0 {
		maxIterations = 100
	}
	return &Engine{
		httpClient:    httpClient,
		tokens:        tokens,
		policy:        policy,
		store:         store,
		tenant:        tenant,
		maxIterations: maxIterations,
		logger:        logger.With(zap.String("component", "engine")),
		now:           time.Now,
	}
}

// Sync drives one endpoint descriptor to completion. Faults abort this
// endpoint only; sibling endpoints in the run are unaffected.
func (e *Engine) Sync(ctx context.Context, endpoint config.Endpoint) (*Result, error) {
	ctx = context.WithValue(ctx, logger.EndpointKey, endpoint.Table)
	ctx, span := observability.StartSpan(ctx, "engine.sync")
	span.SetAttributes(attribute.String("table", endpoint.Table))
	defer span.End()

	start := e.now()
	result := &Result{Table: endpoint.Table}
	log := logger.WithContext(ctx, e.logger)

	mapping, err := e.store.ColumnMapping(ctx, endpoint.Table)
	if err != nil {
		result.Outcome = OutcomeFailed
		e.observe(result, start)
		return result, err
	}

	filter := SubstituteFilter(endpoint.Filter, e.tenant.DayOffset, e.now())

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		raw, err := e.fetchPage(ctx, endpoint, filter, result.Cursor)
		if err != nil {
			result.Outcome = OutcomeFailed
			e.observe(result, start)
			return result, err
		}

		repaired, err := transform.Repair(raw)
		if err != nil {
			result.Outcome = OutcomeFailed
			e.observe(result, start)
			return result, err
		}

		var records []gojson.RawMessage
		if err := gojson.Unmarshal([]byte(repaired), &records); err != nil {
			result.Outcome = OutcomeFailed
			e.observe(result, start)
			return result, errors.Wrap(err, errors.ErrorTypeData, "repaired page is not an array")
		}

		result.Pages++
		metrics.PagesFetched.WithLabelValues(endpoint.Table).Inc()

		if len(records) == 0 {
			result.Outcome = OutcomeDone
			log.Info("endpoint synchronized",
				zap.Int("pages", result.Pages),
				zap.Int64("rows", result.Rows),
				zap.Int("cursor", result.Cursor))
			e.observe(result, start)
			return result, nil
		}

		rows, err := e.store.InsertBatch(ctx, endpoint.Table, mapping, repaired)
		if err != nil {
			result.Outcome = OutcomeFailed
			e.observe(result, start)
			return result, err
		}
		result.Rows += rows
		metrics.RowsLoaded.WithLabelValues(endpoint.Table).Add(float64(rows))

		result.Cursor += endpoint.PageSize
	}

	// The ceiling is a safety valve against a non-terminating remote pager;
	// its trip degrades this endpoint but not the run.
	result.Outcome = OutcomeAborted
	log.Warn("pagination ceiling reached",
		zap.Int("max_iterations", e.maxIterations),
		zap.Int("cursor", result.Cursor))
	e.observe(result, start)
	return result, nil
}

func (e *Engine) observe(r *Result, start time.Time) {
	metrics.EndpointDuration.WithLabelValues(r.Table, string(r.Outcome)).
		Observe(e.now().Sub(start).Seconds())
}

// pageURL embeds the zero-based offset and page size plus the substituted
// filter into the request URL.
func (e *Engine) pageURL(endpoint config.Endpoint, filter string, offset int) string {
	params := url.Values{}
	params.Set("$top", strconv.Itoa(endpoint.PageSize))
	params.Set("$skip", strconv.Itoa(offset))

	u := e.tenant.APIBaseURL + endpoint.Path + "?" + params.Encode()
	if filter != "" {
		u += "&" + filter
	}
	return u
}

// fetchPage sends one page request with the current bearer token. A 401
// forces exactly one token refresh and one re-send outside the general retry
// budget; all other transient faults go through the retry policy.
func (e *Engine) fetchPage(ctx context.Context, endpoint config.Endpoint, filter string, offset int) (string, error) {
	pageURL := e.pageURL(endpoint, filter, offset)

	var body string
	err := e.policy.Do(ctx, "page_fetch", func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		token, err := e.tokens.Token(attemptCtx)
		if err != nil {
			return err
		}

		resp, err := e.send(attemptCtx, pageURL, token)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			token, err = e.tokens.ForceRefresh(attemptCtx)
			if err != nil {
				return err
			}
			resp, err = e.send(attemptCtx, pageURL, token)
			if err != nil {
				return err
			}
		}
		defer drain(resp)

		if resp.StatusCode != http.StatusOK {
			return errors.FromHTTPStatus(resp.StatusCode, pageURL)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read page body")
		}
		body = string(raw)
		return nil
	})
	if err != nil {
		return "", err
	}
	return body, nil
}

func (e *Engine) send(ctx context.Context, pageURL string, token *clients.Token) (*http.Response, error) {
	resp, err := e.httpClient.Get(ctx, pageURL, map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token.Value),
		"Accept":        "application/json",
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "page request failed")
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
