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
package external

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// tcpSocket wraps a net.Conn to satisfy TCPSocket.
type tcpSocket struct {
	net.Conn
}

// Secure upgrades the connection in place to TLS using the system trust
// store, verifying the peer certificate against hostname.
func (s *tcpSocket) Secure(hostname string) error {
	tlsConn := tls.Client(s.Conn, &tls.Config{ServerName: hostname})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %s", err)
	}
	s.Conn = tlsConn
	return nil
}

// tcpServer wraps a net.Listener to satisfy TCPServer.
type tcpServer struct {
	net.Listener
}

func (s *tcpServer) Accept() (TCPSocket, string, error) {
	nc, err := s.Listener.Accept()
	if err != nil {
		return nil, "", err
	}
	return &tcpSocket{Conn: nc}, nc.RemoteAddr().String(), nil
}

// DefaultSocketFactory is the stdlib net-backed SocketFactory used when
// no embedder supplies an alternative transport.
type DefaultSocketFactory struct{}

// Dial opens a TCP connection to host:port, bounded by timeout.
func (DefaultSocketFactory) Dial(host string, port int, timeout time.Duration) (TCPSocket, error) {
	nc, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), timeout)
	if err != nil {
		return nil, err
	}
	return &tcpSocket{Conn: nc}, nil
}

// Listen opens a TCP listener on port, on all interfaces.
func (DefaultSocketFactory) Listen(port int) (TCPServer, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return &tcpServer{Listener: l}, nil
}
