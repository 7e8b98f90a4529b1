package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

const defaultFetchBytes = 256 * 1024

// FetchHandler performs an https GET and returns the (capped) body.
type FetchHandler struct {
	Client *http.Client
}

func (h *FetchHandler) Execute(ctx context.Context, job models.Job) (any, error) {
	in, err := decode[registry.DataFetchInput](job)
	if err != nil {
		return nil, err
	}
	if in.TimeoutMS != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*in.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, Fail(models.CodeExecutionFailed, "build request: %v", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", in.URL, err)
	}
	defer resp.Body.Close()

	limit := int64(intOr(in.MaxBytes, defaultFetchBytes))
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}
	result := map[string]any{
		"url":          in.URL,
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
		"bytes":        len(body),
		"truncated":    truncated,
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, Fail(models.CodeExecutionFailed, "fetch %s: status %d", in.URL, resp.StatusCode).WithDetails(result)
	}
	return result, nil
}
