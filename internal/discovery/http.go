package discovery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/digest-scheduler/internal/logging"
	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

// RequestIDHeader carries a fresh id on every outgoing search.
const RequestIDHeader = "X-Request-ID"

// HTTPConfig points the client at the marketplace search API.
type HTTPConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MixedLimit int // result cap for the cross-category search
}

// StatusError is returned when the search API answers with a non-2xx status.
type StatusError struct {
	Category   types.Category
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search %s: unexpected status %d: %s", e.Category, e.StatusCode, e.Body)
}

type httpSearcher struct {
	client     *resty.Client
	mixedLimit int
	log        zerolog.Logger
}

// NewHTTPClient returns a Registry with every category wired to the search
// API:
//
//	POST {base}/search/{category}        job, gig, project, launchpad, volunteering
//	GET  {base}/directory/search?term=   people
//	POST {base}/search                   mixed, capped at MixedLimit
func NewHTTPClient(cfg HTTPConfig, log zerolog.Logger) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MixedLimit <= 0 {
		cfg.MixedLimit = 10
	}
	s := &httpSearcher{
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		mixedLimit: cfg.MixedLimit,
		log:        logging.Component(log, "discovery"),
	}

	r := NewRegistry()
	for _, c := range []types.Category{
		types.CategoryJob,
		types.CategoryGig,
		types.CategoryProject,
		types.CategoryLaunchpad,
		types.CategoryVolunteering,
	} {
		r.Register(c, s.category(c))
	}
	r.Register(types.CategoryPeople, s.people)
	r.Register(types.CategoryMixed, s.mixed)
	return r
}

func (s *httpSearcher) category(c types.Category) SearchFunc {
	return func(ctx context.Context, req types.SearchRequest) (types.SearchResult, error) {
		var out types.SearchResult
		resp, err := s.request(ctx).
			SetPathParam("category", string(c)).
			SetBody(req).
			SetResult(&out).
			Post("/search/{category}")
		return s.finish(c, resp, err, out)
	}
}

func (s *httpSearcher) people(ctx context.Context, req types.SearchRequest) (types.SearchResult, error) {
	var out types.SearchResult
	resp, err := s.request(ctx).
		SetQueryParams(map[string]string{
			"term":      req.Query,
			"page":      strconv.Itoa(req.Page),
			"page_size": strconv.Itoa(req.PageSize),
		}).
		SetResult(&out).
		Get("/directory/search")
	return s.finish(types.CategoryPeople, resp, err, out)
}

type mixedRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters,omitempty"`
	Limit   int            `json:"limit"`
}

func (s *httpSearcher) mixed(ctx context.Context, req types.SearchRequest) (types.SearchResult, error) {
	var out types.SearchResult
	resp, err := s.request(ctx).
		SetBody(mixedRequest{Query: req.Query, Filters: req.Filters, Limit: s.mixedLimit}).
		SetResult(&out).
		Post("/search")
	res, err := s.finish(types.CategoryMixed, resp, err, out)
	if err == nil && len(res.Items) > s.mixedLimit {
		res.Items = res.Items[:s.mixedLimit]
	}
	return res, err
}

func (s *httpSearcher) request(ctx context.Context) *resty.Request {
	return s.client.R().
		SetContext(ctx).
		SetHeader(RequestIDHeader, uuid.NewString())
}

func (s *httpSearcher) finish(c types.Category, resp *resty.Response, err error, out types.SearchResult) (types.SearchResult, error) {
	if err != nil {
		return types.SearchResult{}, fmt.Errorf("search %s: %w", c, err)
	}
	if resp.IsError() {
		return types.SearchResult{}, &StatusError{Category: c, StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	s.log.Debug().
		Str("category", string(c)).
		Str("request_id", resp.Request.Header.Get(RequestIDHeader)).
		Int("items", len(out.Items)).
		Dur("took", resp.Time()).
		Msg("search done")
	return out, nil
}
