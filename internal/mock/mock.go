// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package mock provides a scripted HTTP transport for token endpoint tests.
package mock

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

type response struct {
	body     []byte
	callback func(*http.Request)
	code     int
	headers  http.Header
	err      error
}

// ResponseOption configures a scripted response.
type ResponseOption interface {
	apply(*response)
}

type respOpt func(*response)

func (fn respOpt) apply(r *response) {
	fn(r)
}

// WithBody sets the HTTP response's body to the specified value.
func WithBody(b []byte) ResponseOption {
	return respOpt(func(r *response) {
		r.body = b
	})
}

// WithCallback sets a callback to invoke before returning the response.
func WithCallback(callback func(*http.Request)) ResponseOption {
	return respOpt(func(r *response) {
		r.callback = callback
	})
}

// WithHTTPStatusCode sets the HTTP statusCode of response to the specified value.
func WithHTTPStatusCode(statusCode int) ResponseOption {
	return respOpt(func(r *response) {
		r.code = statusCode
	})
}

// WithTransportError makes the round trip fail with err instead of returning a response.
func WithTransportError(err error) ResponseOption {
	return respOpt(func(r *response) {
		r.err = err
	})
}

// Client is a mock HTTP transport that returns a sequence of responses. Use AppendResponse to
// specify the sequence.
type Client struct {
	mu    sync.Mutex
	resp  []response
	calls int
}

// NewClient returns an empty Client.
func NewClient() *Client {
	return &Client{}
}

// AppendResponse queues the next response.
func (c *Client) AppendResponse(opts ...ResponseOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := response{code: http.StatusOK, headers: http.Header{"Content-Type": {"application/json; charset=utf-8"}}}
	for _, o := range opts {
		o.apply(&r)
	}
	c.resp = append(c.resp, r)
}

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.resp) == 0 {
		return nil, fmt.Errorf(`no response for "%s"`, req.URL.String())
	}
	resp := c.resp[0]
	c.resp = c.resp[1:]
	if resp.callback != nil {
		resp.callback(req)
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return &http.Response{
		Header:     resp.headers,
		StatusCode: resp.code,
		Body:       io.NopCloser(bytes.NewReader(resp.body)),
		Request:    req,
	}, nil
}

// HTTPClient returns an *http.Client that sends through c.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{Transport: c}
}

// Calls returns the number of round trips made so far.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// TokenBody describes a token endpoint success response.
type TokenBody struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ClientInfo   string
	Scope        string
	ExpiresIn    int
}

// GetAccessTokenBody renders b as the JSON a token endpoint returns.
func GetAccessTokenBody(b TokenBody) []byte {
	m := map[string]any{
		"access_token": b.AccessToken,
		"expires_in":   b.ExpiresIn,
		"token_type":   "Bearer",
	}
	for k, v := range map[string]string{
		"refresh_token": b.RefreshToken,
		"id_token":      b.IDToken,
		"client_info":   b.ClientInfo,
		"scope":         b.Scope,
	} {
		if v != "" {
			m[k] = v
		}
	}
	body, _ := json.Marshal(m)
	return body
}

// GetErrorBody renders an OAuth error response.
func GetErrorBody(code, subError, description string) []byte {
	body, _ := json.Marshal(map[string]string{
		"error":             code,
		"suberror":          subError,
		"error_description": description,
	})
	return body
}

// GetIDToken returns an unsigned JWT carrying the identity claims the cache reads.
func GetIDToken(oid, tenant, username string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]string{
		"oid":                oid,
		"sub":                oid,
		"tid":                tenant,
		"preferred_username": username,
	})
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + "."
}

// GetClientInfo returns a base64url client_info value for uid and utid.
func GetClientInfo(uid, utid string) string {
	b, _ := json.Marshal(map[string]string{"uid": uid, "utid": utid})
	return base64.RawURLEncoding.EncodeToString(b)
}
