/*
Copyright © 2020 GUILLAUME FOURNIER

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package scan

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Gui774ume/onaccess/pkg/model"
)

const (
	// DefaultSocketPath is where the scanning engine listens
	DefaultSocketPath = "/run/onaccess/scanner.sock"
	// DefaultTimeout bounds a single scan call
	DefaultTimeout = 30 * time.Second
	// MaxMessageSize caps the size of a response
	MaxMessageSize = 1 << 20

	headerSize = 4
)

// Client sends scan requests to the scanning engine
type Client interface {
	// Scan submits req and waits for the verdict. An error means the engine
	// could not be reached, the request can be retried.
	Scan(ctx context.Context, req *model.ScanRequest) (*model.ScanResponse, error)
	Close() error
}

// wireRequest is the document sent along with the file descriptor
type wireRequest struct {
	Path       string `json:"path"`
	ScanType   string `json:"scan_type"`
	Pid        int32  `json:"pid"`
	UID        uint32 `json:"uid"`
	Executable string `json:"executable,omitempty"`
	Attempt    int    `json:"attempt"`
}

// wireResponse is the engine answer
type wireResponse struct {
	Verdict    string `json:"verdict"`
	ThreatName string `json:"threat_name,omitempty"`
	ThreatType string `json:"threat_type,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (r wireResponse) toModel() (*model.ScanResponse, error) {
	resp := &model.ScanResponse{
		ThreatName: r.ThreatName,
		ThreatType: r.ThreatType,
		ErrorMsg:   r.Error,
	}
	switch r.Verdict {
	case "clean":
		resp.Verdict = model.VerdictClean
	case "infected":
		resp.Verdict = model.VerdictInfected
	case "error":
		resp.Verdict = model.VerdictError
	default:
		return nil, errors.Errorf("unknown verdict %q", r.Verdict)
	}
	return resp, nil
}

// SocketClient talks to the scanning engine over a unix socket. Each message
// is a 4 bytes big endian length followed by a JSON document, the file
// descriptor travels with the request as SCM_RIGHTS ancillary data.
type SocketClient struct {
	path    string
	timeout time.Duration

	mu   sync.Mutex
	conn *net.UnixConn
}

// NewSocketClient returns a client for the engine listening on path. The
// connection is established lazily.
func NewSocketClient(path string, timeout time.Duration) *SocketClient {
	if path == "" {
		path = DefaultSocketPath
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SocketClient{path: path, timeout: timeout}
}

// Scan - see Client. Any failure drops the connection, the next call
// reconnects.
func (c *SocketClient) Scan(ctx context.Context, req *model.ScanRequest) (*model.ScanResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.scan(ctx, req)
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	return resp, nil
}

func (c *SocketClient) scan(ctx context.Context, req *model.ScanRequest) (*model.ScanResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.conn == nil {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "unix", c.path)
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't connect to %s", c.path)
		}
		c.conn = conn.(*net.UnixConn)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "couldn't set deadline")
	}

	payload, err := json.Marshal(wireRequest{
		Path:       req.Path,
		ScanType:   req.ScanType.String(),
		Pid:        req.Pid,
		UID:        req.UID,
		Executable: req.ExecutablePath,
		Attempt:    req.Attempt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't encode request")
	}
	msg := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(msg, uint32(len(payload)))
	copy(msg[headerSize:], payload)

	var oob []byte
	if fd := req.Fd(); fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	n, oobn, err := c.conn.WriteMsgUnix(msg, oob, nil)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't send request")
	}
	if n != len(msg) || oobn != len(oob) {
		return nil, errors.Errorf("short write: %d/%d bytes, %d/%d control bytes", n, len(msg), oobn, len(oob))
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, errors.Wrap(err, "couldn't read response header")
	}
	size := binary.BigEndian.Uint32(header)
	if size == 0 || size > MaxMessageSize {
		return nil, errors.Errorf("invalid response size %d", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, errors.Wrap(err, "couldn't read response")
	}
	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "couldn't decode response")
	}
	return resp.toModel()
}

// Close drops the connection
func (c *SocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *SocketClient) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
