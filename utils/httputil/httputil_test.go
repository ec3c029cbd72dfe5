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
package httputil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsAcceptedResponse(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello")
	}))
	defer server.Close()

	resp, err := Get(server.URL)
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)
}

func TestGetReturnsStatusErrorOnUnacceptedCode(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "not found")
	}))
	defer server.Close()

	_, err := Get(server.URL)
	require.Error(err)
	statusErr, ok := err.(StatusError)
	require.True(ok)
	require.Equal(http.StatusNotFound, statusErr.Status)
}

func TestGetAcceptsAdditionalCodes(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	resp, err := Get(server.URL, SendAcceptedCodes(http.StatusOK, http.StatusAccepted))
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusAccepted, resp.StatusCode)
}

func TestGetReturnsNetworkErrorOnUnreachableHost(t *testing.T) {
	require := require.New(t)

	_, err := Get("http://127.0.0.1:1")
	require.Error(err)
	require.True(IsNetworkError(err))
}

func TestSendUsesProvidedHeader(t *testing.T) {
	require := require.New(t)

	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Test")
	}))
	defer server.Close()

	resp, err := Get(server.URL, SendHeader("X-Test", "value"))
	require.NoError(err)
	resp.Body.Close()
	require.Equal("value", gotHeader)
}
