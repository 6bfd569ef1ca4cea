package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"brokerstream/config"
	"brokerstream/internal/jsonpath"
	"brokerstream/internal/template"
	"brokerstream/logger"
)

const (
	defaultContentType = "application/json; charset=UTF-8"
	maxBodyBytes       = 16 << 20
	snippetLen         = 256
)

// StepResult is what a successful step returned.
type StepResult struct {
	Status int
	Header http.Header
	Body   []byte
	// Doc is the decoded JSON body, nil when the body is empty or not JSON.
	Doc any
}

// RunStep sends one templated request, captures the configured headers and
// JSON paths into Vars and promotes BindDefaults headers. item is exposed to
// templates as item.* and may be nil.
func (s *Session) RunStep(ctx context.Context, step config.StepConfig, item any) (*StepResult, error) {
	req, err := s.buildRequest(ctx, step.Request, item)
	if err != nil {
		return nil, err
	}

	log := s.log.WithBroker("auth", s.Broker).WithFields(logger.Fields{
		"step":   step.Name,
		"method": req.Method,
		"url":    req.URL.Redacted(),
	})

	resp, err := s.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		log.WithFields(logger.Fields{"status": resp.StatusCode, "location": location}).Warn("redirect blocked")
		return nil, &RedirectError{Code: resp.StatusCode, Location: location}
	}
	if looksLikeHTML(body) {
		log.WithFields(logger.Fields{"status": resp.StatusCode, "body": snippet(body)}).Warn("html response where json was expected")
		return nil, fmt.Errorf("%w (status %d)", ErrHTMLResponse, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Snippet: snippet(body)}
	}

	result := &StepResult{Status: resp.StatusCode, Header: resp.Header, Body: body}
	if len(bytes.TrimSpace(body)) > 0 {
		if doc, err := jsonpath.Decode(body); err == nil {
			result.Doc = doc
		} else if len(step.Extract.JSON) > 0 {
			return nil, fmt.Errorf("parse json for extraction: %w", err)
		}
	}

	extracted := map[string]string{}
	for name, header := range step.Extract.Headers {
		if v := resp.Header.Get(header); v != "" {
			extracted[name] = v
		}
	}
	for name, path := range step.Extract.JSON {
		if v, ok := jsonpath.Select(result.Doc, path); ok && v != nil {
			extracted[name] = jsonpath.String(v)
		}
	}
	if acc := extracted["currentAccountId"]; acc != "" {
		extracted["AccountId"] = acc
		extracted["AccountName"] = acc
	}
	s.Vars.Merge(extracted)

	if len(step.BindDefaults.Headers) > 0 {
		for k, v := range template.RenderHeaders(step.BindDefaults.Headers, s, item) {
			s.SetDefaultHeader(k, v)
		}
	}

	log.WithFields(logger.Fields{"status": resp.StatusCode, "extracted": len(extracted)}).Debug("step completed")
	return result, nil
}

func (s *Session) buildRequest(ctx context.Context, rc config.RequestConfig, item any) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(rc.Method))
	if method == "" {
		method = http.MethodGet
		if rc.Body != nil {
			method = http.MethodPost
		}
	}

	target := rc.AbsoluteURL
	if target == "" {
		target = rc.Path
	}
	target = s.URL(template.Resolve(target, s, item))
	if len(rc.Query) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse url '%s': %w", target, err)
		}
		q := u.Query()
		for k, v := range rc.Query {
			q.Set(k, template.Resolve(v, s, item))
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var body io.Reader
	contentType := rc.ContentType
	if rc.Body != nil {
		payload, err := template.ResolveJSON(rc.Body, s, item)
		if err != nil {
			return nil, fmt.Errorf("render body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range template.RenderHeaders(rc.Headers, s, item) {
		if strings.EqualFold(k, "Content-Type") {
			if contentType == "" {
				contentType = v
			}
			continue
		}
		req.Header.Set(k, v)
	}
	if rc.Body != nil {
		if contentType == "" {
			contentType = defaultContentType
		}
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// looksLikeHTML reports a markup document, judged by its leading bytes only.
func looksLikeHTML(body []byte) bool {
	s := bytes.TrimSpace(body)
	if len(s) == 0 || s[0] == '{' || s[0] == '[' {
		return false
	}
	return s[0] == '<'
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > snippetLen {
		return s[:snippetLen] + "..."
	}
	return s
}
