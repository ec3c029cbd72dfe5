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
package tracker

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"github.com/btengine/core/core"
	"github.com/btengine/core/utils/httputil"
)

// Request is a single announce request to one tracker.
type Request struct {
	Tracker    Tracker
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	IP         string
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Response is a tracker's reply to an announce.
type Response struct {
	Peers    []*core.PeerInfo
	Interval time.Duration
}

// HTTPAnnouncer announces over HTTP/HTTPS (BEP 3).
type HTTPAnnouncer interface {
	Announce(req Request) (Response, error)
}

// UDPAnnouncer announces over UDP (BEP 15). The wire codec is an
// external collaborator; NoUDPAnnouncer is the default since this
// repository does not implement it.
type UDPAnnouncer interface {
	Announce(req Request) (Response, error)
}

// ErrUDPNotImplemented is returned by NoUDPAnnouncer for every call.
var ErrUDPNotImplemented = errors.New("udp tracker announces are not implemented")

// NoUDPAnnouncer rejects every announce. Torrents with only UDP
// trackers configured will never receive peers from them until a real
// BEP 15 implementation is wired in.
type NoUDPAnnouncer struct{}

// Announce always fails.
func (NoUDPAnnouncer) Announce(req Request) (Response, error) {
	return Response{}, ErrUDPNotImplemented
}

type wirePeer struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

type wireResponse struct {
	FailureReason string     `bencode:"failure reason"`
	Interval      int64      `bencode:"interval"`
	Peers         []wirePeer `bencode:"peers"`
}

// httpAnnouncer is the default HTTPAnnouncer, speaking the BEP 3
// dictionary-model response (as opposed to the compact binary model;
// either is valid, this repository only decodes the dictionary model).
type httpAnnouncer struct {
	timeout time.Duration
}

// NewHTTPAnnouncer creates the default HTTPAnnouncer.
func NewHTTPAnnouncer(timeout time.Duration) HTTPAnnouncer {
	return &httpAnnouncer{timeout: timeout}
}

func (a *httpAnnouncer) Announce(req Request) (Response, error) {
	v := url.Values{}
	v.Set("info_hash", string(req.InfoHash[:]))
	v.Set("peer_id", string(req.PeerID[:]))
	v.Set("port", strconv.Itoa(req.Port))
	v.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	v.Set("left", strconv.FormatInt(req.Left, 10))
	v.Set("compact", "0")
	if req.Event != None {
		v.Set("event", req.Event.String())
	}
	if req.NumWant > 0 {
		v.Set("numwant", strconv.Itoa(req.NumWant))
	}

	announceURL := fmt.Sprintf("%s?%s", req.Tracker.URL, v.Encode())

	resp, err := httputil.Get(announceURL, httputil.SendTimeout(a.timeout))
	if err != nil {
		return Response{}, fmt.Errorf("announce to %s: %s", req.Tracker.URL, err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read announce response: %s", err)
	}

	var wr wireResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &wr); err != nil {
		return Response{}, fmt.Errorf("decode announce response: %s", err)
	}
	if wr.FailureReason != "" {
		return Response{}, fmt.Errorf("tracker failure: %s", wr.FailureReason)
	}

	peers := make([]*core.PeerInfo, 0, len(wr.Peers))
	for _, wp := range wr.Peers {
		var pid core.PeerID
		copy(pid[:], wp.PeerID)
		peers = append(peers, core.NewPeerInfo(pid, wp.IP, wp.Port, false))
	}

	return Response{
		Peers:    peers,
		Interval: time.Duration(wr.Interval) * time.Second,
	}, nil
}
