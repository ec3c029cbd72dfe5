// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil provides a small functional-options wrapper around
// net/http for the single-shot, timeout-bounded requests this repository's
// tracker announce client needs.
package httputil

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NetworkError is returned when a request fails before receiving a
// response: connection refused, timeout, DNS failure, etc.
type NetworkError struct {
	err error
}

func (e NetworkError) Error() string { return fmt.Sprintf("network error: %s", e.err) }

// IsNetworkError returns true if err is a NetworkError, meaning the
// caller may want to try a different host.
func IsNetworkError(err error) bool {
	_, ok := err.(NetworkError)
	return ok
}

// StatusError is returned when a response's status code is not in the
// caller's accepted set.
type StatusError struct {
	Method string
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

func (e StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

type sendOpts struct {
	body          io.Reader
	header        http.Header
	timeout       time.Duration
	transport     http.RoundTripper
	tls           *tls.Config
	acceptedCodes map[int]bool
}

func defaultSendOpts() *sendOpts {
	return &sendOpts{
		header:        make(http.Header),
		timeout:       10 * time.Second,
		acceptedCodes: map[int]bool{http.StatusOK: true},
	}
}

// SendOption configures a Send call.
type SendOption func(*sendOpts)

// SendBody sets the request body.
func SendBody(body io.Reader) SendOption {
	return func(o *sendOpts) { o.body = body }
}

// SendHeader sets a single request header.
func SendHeader(key, value string) SendOption {
	return func(o *sendOpts) { o.header.Set(key, value) }
}

// SendTimeout overrides the default 10s request timeout.
func SendTimeout(timeout time.Duration) SendOption {
	return func(o *sendOpts) { o.timeout = timeout }
}

// SendTLS sets the TLS config used for https requests. A nil config (the
// default) uses the system trust store.
func SendTLS(config *tls.Config) SendOption {
	return func(o *sendOpts) { o.tls = config }
}

// SendTransport overrides the http.RoundTripper, for testing.
func SendTransport(transport http.RoundTripper) SendOption {
	return func(o *sendOpts) { o.transport = transport }
}

// SendAcceptedCodes overrides the set of status codes that do not result
// in a StatusError. Defaults to {200}.
func SendAcceptedCodes(codes ...int) SendOption {
	return func(o *sendOpts) {
		o.acceptedCodes = make(map[int]bool, len(codes))
		for _, c := range codes {
			o.acceptedCodes[c] = true
		}
	}
}

// Send issues method to url and returns the response if its status is
// accepted. The caller owns closing the response body.
func Send(method, url string, options ...SendOption) (*http.Response, error) {
	opts := defaultSendOpts()
	for _, o := range options {
		o(opts)
	}

	req, err := http.NewRequest(method, url, opts.body)
	if err != nil {
		return nil, fmt.Errorf("new request: %s", err)
	}
	req.Header = opts.header

	transport := opts.transport
	if transport == nil {
		transport = &http.Transport{TLSClientConfig: opts.tls}
	}
	client := &http.Client{
		Timeout:   opts.timeout,
		Transport: transport,
	}

	resp, err := client.Do(req)
	if err != nil {
		// Any error from client.Do (refused connection, timeout, DNS
		// failure, TLS handshake failure) means no response was
		// classifiable, as opposed to StatusError below.
		return nil, NetworkError{err}
	}

	if !opts.acceptedCodes[resp.StatusCode] {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, StatusError{
			Method: method,
			URL:    url,
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   body,
		}
	}
	return resp, nil
}

// Get issues a GET request.
func Get(url string, options ...SendOption) (*http.Response, error) {
	return Send("GET", url, options...)
}
