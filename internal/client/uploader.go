// Package client talks to the notes server: chunked uploads and small
// text notes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize = 8 << 20
	DefaultParallel  = 4

	defaultHTTPTimeout = 2 * time.Minute
	maxRetries         = 5
)

// APIError is a structured error returned by the HTTP API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error: %d", e.Status)
}

// Retryable reports whether the same request may succeed if resent.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

type Artifact struct {
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
	Fingerprint  string `json:"fingerprint"`
}

type Note struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Content    string     `json:"content"`
	Annotation string     `json:"additional_text"`
	Files      []Artifact `json:"files"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Skipped struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Result is the server's final answer for an upload.
type Result struct {
	Duplicate bool      `json:"duplicate"`
	Note      *Note     `json:"note"`
	Artifact  *Artifact `json:"artifact"`
	Skipped   []Skipped `json:"skipped"`

	Accepted bool `json:"accepted"`
	Received int  `json:"received"`
	Total    int  `json:"total"`
}

// Uploader sends files to the server in parts.
type Uploader struct {
	BaseURL   string
	Token     string
	Owner     string
	ChunkSize int64
	Parallel  int
	HTTP      *http.Client

	// Backoff returns a fresh policy for each part; nil uses exponential
	// backoff from 200ms with five retries.
	Backoff func() retry.Backoff
}

// NewUploader creates an uploader with default chunking.
func NewUploader(baseURL string) *Uploader {
	return &Uploader{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		ChunkSize: DefaultChunkSize,
		Parallel:  DefaultParallel,
		HTTP:      &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Upload sends size bytes of r as name. All parts but the last go out
// concurrently; the last is sent once they have all landed, so its response
// carries the outcome. A duplicate is reported in the Result, not as an
// error.
func (u *Uploader) Upload(ctx context.Context, name string, r io.ReaderAt, size int64, mode, annotation string) (*Result, error) {
	chunk := u.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	parts := int((size + chunk - 1) / chunk)
	if parts == 0 {
		parts = 1
	}

	s := &upload{
		u:          u,
		session:    uuid.NewString(),
		name:       name,
		mode:       mode,
		annotation: annotation,
		parts:      parts,
		chunk:      chunk,
		size:       size,
		r:          r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(u.Parallel, 1))
	for i := 0; i < parts-1; i++ {
		g.Go(func() error {
			_, err := s.send(gctx, i)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res, err := s.send(ctx, parts-1)
	if err != nil {
		return nil, err
	}
	if res.Accepted {
		return nil, fmt.Errorf("upload %s: server still waiting after last part (%d of %d received)", name, res.Received, res.Total)
	}
	return res, nil
}

type upload struct {
	u          *Uploader
	session    string
	name       string
	mode       string
	annotation string
	parts      int
	chunk      int64
	size       int64
	r          io.ReaderAt
}

func (s *upload) send(ctx context.Context, ordinal int) (*Result, error) {
	var res *Result
	err := retry.Do(ctx, s.u.backoff(), func(ctx context.Context) error {
		var err error
		res, err = s.sendOnce(ctx, ordinal)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("part %d of %s: %w", ordinal, s.name, err)
	}
	return res, nil
}

func (s *upload) sendOnce(ctx context.Context, ordinal int) (*Result, error) {
	off := int64(ordinal) * s.chunk
	n := min(s.chunk, s.size-off)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := [][2]string{
		{"chunkId", s.session},
		{"chunkIndex", strconv.Itoa(ordinal)},
		{"totalChunks", strconv.Itoa(s.parts)},
		{"filename", s.name},
		{"mode", s.mode},
		{"additional_text", s.annotation},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	part, err := w.CreateFormFile("chunk", s.name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, io.NewSectionReader(s.r, off, n)); err != nil {
		return nil, fmt.Errorf("read part %d: %w", ordinal, err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var res Result
	if err := s.u.do(ctx, http.MethodPost, "/api/notes/chunks", w.FormDataContentType(), &body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateText stores a text note.
func (u *Uploader) CreateText(ctx context.Context, content, annotation string) (*Note, error) {
	payload, err := json.Marshal(map[string]string{
		"type":            "text",
		"content":         content,
		"additional_text": annotation,
	})
	if err != nil {
		return nil, err
	}
	var res Result
	if err := u.do(ctx, http.MethodPost, "/api/notes", "application/json", bytes.NewReader(payload), &res); err != nil {
		return nil, err
	}
	return res.Note, nil
}

func (u *Uploader) backoff() retry.Backoff {
	if u.Backoff != nil {
		return u.Backoff()
	}
	return retry.WithMaxRetries(maxRetries, retry.NewExponential(200*time.Millisecond))
}

func (u *Uploader) do(ctx context.Context, method, path, contentType string, body io.Reader, out *Result) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(u.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}
	if u.Owner != "" {
		req.Header.Set("X-Owner-ID", u.Owner)
	}

	httpClient := u.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		// A duplicate is an outcome; any other conflict is an error.
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, out); err == nil && out.Duplicate {
			return nil
		}
		return decodeError(resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, data)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(status int, data []byte) error {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(data, &errResp); err == nil {
		apiErr.Code = errResp.Error
		apiErr.Message = errResp.Message
	}
	return apiErr
}
