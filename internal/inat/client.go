// Package inat is the client for the remote biodiversity API. It covers the
// observation and observation photo endpoints the sync engine needs, with a
// bearer credential from the user's session and a client-side rate limit.
package inat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/httpclient"
	"github.com/tphakala/wow-sync/internal/logger"
)

const (
	DefaultBaseURL = "https://api.inaturalist.org/v1"
	DefaultPerPage = 200
	maxPerPage     = 200

	defaultRequestsPerSecond = 1.0
	defaultBurst             = 5
	requestTimeout           = 60 * time.Second
)

// Config configures the API client
type Config struct {
	BaseURL           string
	PerPage           int
	RequestsPerSecond float64
	Burst             int
	// HTTP overrides the default HTTP client
	HTTP *httpclient.Client
}

// Client talks to the remote API. Safe for concurrent use.
type Client struct {
	baseURL string
	perPage int
	http    *httpclient.Client
	tokens  oauth2.TokenSource
	limiter *rate.Limiter
	log     logger.Logger
}

// NewClient creates a client. tokens may be nil for anonymous reads.
func NewClient(cfg Config, tokens oauth2.TokenSource, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PerPage <= 0 || cfg.PerPage > maxPerPage {
		cfg.PerPage = DefaultPerPage
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.HTTP == nil {
		cfg.HTTP = httpclient.New(&httpclient.Config{DefaultTimeout: requestTimeout})
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		perPage: cfg.PerPage,
		http:    cfg.HTTP,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     log.Module("inat"),
	}
}

// PerPage returns the configured page size
func (c *Client) PerPage() int {
	return c.perPage
}

// do sends a request after waiting for the rate limiter and attaching the
// bearer credential. Non-2xx responses become categorized errors.
func (c *Client) do(ctx context.Context, operation, method, path, contentType string, body io.Reader, auth bool) (*jason.Value, error) {
	fullURL := c.baseURL + path

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.New(err).
			Component("inat").
			Category(errors.CategoryCancellation).
			Context("operation", "rate_limiter_wait").
			Build()
	}

	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, errors.New(err).
			Component("inat").
			Category(errors.CategoryValidation).
			Context("operation", operation).
			Build()
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if auth {
		if c.tokens == nil {
			return nil, errors.Newf("%s requires a signed-in session", operation).
				Component("inat").
				Category(errors.CategoryAuth).
				Build()
		}
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, errors.New(err).
				Component("inat").
				Category(errors.CategoryAuth).
				Context("operation", operation).
				Build()
		}
		tok.SetAuthHeader(req)
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.log.Debug("Request failed",
			logger.String("operation", operation),
			logger.String("method", method),
			logger.String("path", path),
			logger.Error(err))
		return nil, transportError(err, operation, fullURL, requestTimeout)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Debug("Failed to close response body", logger.Error(cerr))
		}
	}()

	c.log.Debug("Request completed",
		logger.String("operation", operation),
		logger.String("method", method),
		logger.String("path", path),
		logger.Int("status", resp.StatusCode),
		logger.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError(resp, operation)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, operation, fullURL, requestTimeout)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	v, err := jason.NewValueFromBytes(data)
	if err != nil {
		return nil, errors.New(fmt.Errorf("decode %s response: %w", operation, err)).
			Component("inat").
			Category(errors.CategoryServer).
			Context("operation", operation).
			Build()
	}
	return v, nil
}

// singleObservation unwraps the shapes the API uses for one observation:
// a bare object, a one-element array, or a {"results": [...]} envelope.
func singleObservation(v *jason.Value, operation string) (*Observation, error) {
	if v == nil {
		return nil, malformedResponse(operation, "empty body")
	}

	var obj *jason.Object
	if arr, err := v.Array(); err == nil {
		if len(arr) == 0 {
			return nil, malformedResponse(operation, "empty array")
		}
		first, err := arr[0].Object()
		if err != nil {
			return nil, malformedResponse(operation, "array element is not an object")
		}
		obj = first
	} else if o, err := v.Object(); err == nil {
		obj = o
		if results, err := o.GetObjectArray("results"); err == nil {
			if len(results) == 0 {
				return nil, malformedResponse(operation, "empty results")
			}
			obj = results[0]
		}
	} else {
		return nil, malformedResponse(operation, "unexpected json type")
	}

	o, err := decodeObservation(obj)
	if err != nil {
		return nil, malformedResponse(operation, err.Error())
	}
	return &o, nil
}

func malformedResponse(operation, detail string) error {
	return errors.Newf("malformed %s response: %s", operation, detail).
		Component("inat").
		Category(errors.CategoryServer).
		Context("operation", operation).
		Build()
}

func jsonBody(v map[string]any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New(err).
			Component("inat").
			Category(errors.CategoryValidation).
			Build()
	}
	return bytes.NewReader(data), nil
}

// CreateObservation creates an observation carrying the client UUID so a
// repeated create can be recognized on the server.
func (c *Client) CreateObservation(ctx context.Context, uuid string, fields map[string]any) (*Observation, error) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["uuid"] = uuid

	body, err := jsonBody(map[string]any{"observation": payload})
	if err != nil {
		return nil, err
	}
	v, err := c.do(ctx, "create_observation", http.MethodPost, "/observations", "application/json", body, true)
	if err != nil {
		return nil, err
	}
	return singleObservation(v, "create_observation")
}

// UpdateObservation writes the given fields. Photos are left untouched.
func (c *Client) UpdateObservation(ctx context.Context, id int64, fields map[string]any) (*Observation, error) {
	body, err := jsonBody(map[string]any{
		"observation":   fields,
		"ignore_photos": true,
	})
	if err != nil {
		return nil, err
	}
	v, err := c.do(ctx, "update_observation", http.MethodPut, "/observations/"+strconv.FormatInt(id, 10), "application/json", body, true)
	if err != nil {
		return nil, err
	}
	return singleObservation(v, "update_observation")
}

// DeleteObservation deletes an observation. An observation that is already
// gone counts as deleted.
func (c *Client) DeleteObservation(ctx context.Context, id int64) error {
	_, err := c.do(ctx, "delete_observation", http.MethodDelete, "/observations/"+strconv.FormatInt(id, 10), "", nil, true)
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

// AddPhoto uploads photo bytes and attaches them to an observation
func (c *Client) AddPhoto(ctx context.Context, observationID int64, photoUUID, mimeType string, data []byte) (*ObservationPhoto, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("observation_photo[observation_id]", strconv.FormatInt(observationID, 10)); err != nil {
		return nil, err
	}
	if err := mw.WriteField("observation_photo[uuid]", photoUUID); err != nil {
		return nil, err
	}

	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s%s"`, photoUUID, extensionFor(mimeType)))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	v, err := c.do(ctx, "add_photo", http.MethodPost, "/observation_photos", mw.FormDataContentType(), &buf, true)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, malformedResponse("add_photo", "empty body")
	}
	obj, err := v.Object()
	if err != nil {
		return nil, malformedResponse("add_photo", err.Error())
	}
	op, err := decodeObservationPhoto(obj)
	if err != nil {
		return nil, malformedResponse("add_photo", err.Error())
	}
	if op.UUID == "" {
		op.UUID = photoUUID
	}
	return &op, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// DeletePhoto detaches and deletes an observation photo. A photo that is
// already gone counts as deleted.
func (c *Client) DeletePhoto(ctx context.Context, observationPhotoID int64) error {
	_, err := c.do(ctx, "delete_photo", http.MethodDelete, "/observation_photos/"+strconv.FormatInt(observationPhotoID, 10), "", nil, true)
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

// ListObservations fetches one page of a user's observations
func (c *Client) ListObservations(ctx context.Context, userID int64, page int) (*ObservationPage, error) {
	q := url.Values{}
	q.Set("user_id", strconv.FormatInt(userID, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.perPage))
	q.Set("order_by", "id")
	q.Set("order", "asc")

	v, err := c.do(ctx, "list_observations", http.MethodGet, "/observations?"+q.Encode(), "", nil, c.tokens != nil)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, malformedResponse("list_observations", "empty body")
	}
	obj, err := v.Object()
	if err != nil {
		return nil, malformedResponse("list_observations", err.Error())
	}

	total, err := obj.GetInt64("total_results")
	if err != nil {
		return nil, malformedResponse("list_observations", "missing total_results")
	}
	out := &ObservationPage{TotalResults: int(total), Page: page, PerPage: c.perPage}
	if p, err := obj.GetInt64("page"); err == nil {
		out.Page = int(p)
	}
	if pp, err := obj.GetInt64("per_page"); err == nil {
		out.PerPage = int(pp)
	}

	results, err := obj.GetObjectArray("results")
	if err != nil {
		return nil, malformedResponse("list_observations", "missing results")
	}
	for _, r := range results {
		o, err := decodeObservation(r)
		if err != nil {
			return nil, malformedResponse("list_observations", err.Error())
		}
		out.Results = append(out.Results, o)
	}
	return out, nil
}

// AllObservations walks every page of a user's observations. Iteration stops
// once total_results observations are fetched or a page comes back empty.
func (c *Client) AllObservations(ctx context.Context, userID int64) ([]Observation, error) {
	var all []Observation
	for page := 1; ; page++ {
		p, err := c.ListObservations(ctx, userID, page)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Results...)
		if len(p.Results) == 0 || len(all) >= p.TotalResults {
			c.log.Debug("Observation listing complete",
				logger.Int64("user_id", userID),
				logger.Int("pages", page),
				logger.Int("total", len(all)))
			return all, nil
		}
	}
}

// Ping reports whether the API is reachable. Any HTTP response counts as
// online; only transport failures report offline.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", http.MethodGet, "/observations?per_page=0", "", nil, false)
	if err == nil || errors.As(err, new(*APIError)) {
		return nil
	}
	return err
}
