package core

// Daemon is the control-socket server backing the CLI's ~files commands
// (cmd/cli/replication.go): a newline-framed JSON/TCP request-response
// protocol, the same transport shape the platform's original
// block-replication control socket used, generalised to this
// subsystem's six operator actions (start, stop, status, ingest, probe,
// purge). One Daemon wraps one FileNode for the lifetime of the
// process; InitService.Start/Shutdown is what actually brings the
// Engine and Scheduler up and down, the Daemon only exposes that over
// the wire.

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Daemon serves the control socket a running filenet node's CLI dials.
type Daemon struct {
	node   *FileNode
	logger *logrus.Logger

	mu      sync.Mutex
	running bool

	listener net.Listener
	closing  chan struct{}
	wg       sync.WaitGroup
}

// NewDaemon wraps an already-constructed FileNode; Serve does not start
// replication itself — the CLI's "start" action does, so a node can be
// brought up listening-but-idle if an operator wants to inspect state
// before committing to gossip traffic.
func NewDaemon(node *FileNode, logger *logrus.Logger) *Daemon {
	return &Daemon{node: node, logger: logger, closing: make(chan struct{})}
}

type daemonRequest struct {
	Action     string `json:"action"`
	Path       string `json:"path,omitempty"`
	FileDigest string `json:"file_digest,omitempty"`
}

type daemonResponse struct {
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Serve listens on addr and handles one request per accepted connection
// until Close is called, at which point Accept's error is swallowed and
// Serve returns nil.
func (d *Daemon) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", addr, err)
	}
	d.listener = ln
	d.logger.WithField("addr", addr).Info("control socket listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.closing:
				return nil
			default:
				return fmt.Errorf("daemon: accept: %w", err)
			}
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// Close stops accepting new connections, waits for in-flight ones to
// finish, and shuts down replication if it is still running.
func (d *Daemon) Close() error {
	close(d.closing)
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.wg.Wait()
	_ = d.stop()
	return nil
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	rd := bufio.NewReader(conn)
	line, err := rd.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}

	var req daemonRequest
	var resp daemonResponse
	if err := json.Unmarshal(line, &req); err != nil {
		resp.Error = fmt.Sprintf("malformed request: %v", err)
		d.writeResponse(conn, resp)
		return
	}

	data, err := d.dispatch(req)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Data = data
	}
	d.writeResponse(conn, resp)
}

func (d *Daemon) writeResponse(conn net.Conn, resp daemonResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		d.logger.WithError(err).Error("encode control-socket response")
		return
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		d.logger.WithError(err).Warn("write control-socket response")
	}
}

func (d *Daemon) dispatch(req daemonRequest) (map[string]any, error) {
	switch req.Action {
	case "start":
		return nil, d.start()
	case "stop":
		return nil, d.stop()
	case "status":
		return d.status(req.FileDigest)
	case "ingest":
		return d.ingest(req.Path)
	case "probe":
		return nil, d.probe(req.FileDigest)
	case "purge":
		return nil, d.purge(req.FileDigest)
	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

// start brings the replication engine and scheduler up via InitService;
// idempotent, matching the CLI's documented "start (idempotent)" action.
func (d *Daemon) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	if _, err := d.node.InitService.Start(); err != nil {
		return err
	}
	d.running = true
	return nil
}

func (d *Daemon) stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.node.InitService.Shutdown()
	d.running = false
	return nil
}

func (d *Daemon) engine() (*Engine, error) {
	e := d.node.InitService.Engine()
	if e == nil {
		return nil, errors.New("filenet: replication engine not started (run `~files start` first)")
	}
	return e, nil
}

func parseDigestHex(s string) (Digest256, error) {
	var digest Digest256
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(digest) {
		return digest, fmt.Errorf("invalid file digest %q", s)
	}
	copy(digest[:], b)
	return digest, nil
}

func (d *Daemon) status(fileDigestHex string) (map[string]any, error) {
	e, err := d.engine()
	if err != nil {
		return nil, err
	}
	if fileDigestHex == "" {
		headers, descriptors, parts := e.ws.Len()
		return map[string]any{"headers": headers, "descriptors": descriptors, "parts": parts}, nil
	}
	digest, err := parseDigestHex(fileDigestHex)
	if err != nil {
		return nil, err
	}
	state, err := e.Status(digest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"file_digest": fileDigestHex, "state": state.String()}, nil
}

func (d *Daemon) ingest(path string) (map[string]any, error) {
	e, err := d.engine()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	digest, err := e.Ingest(path, data, 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{"file_digest": hex.EncodeToString(digest[:])}, nil
}

func (d *Daemon) probe(fileDigestHex string) error {
	e, err := d.engine()
	if err != nil {
		return err
	}
	digest, err := parseDigestHex(fileDigestHex)
	if err != nil {
		return err
	}
	return e.ProbeNow(digest)
}

func (d *Daemon) purge(fileDigestHex string) error {
	e, err := d.engine()
	if err != nil {
		return err
	}
	digest, err := parseDigestHex(fileDigestHex)
	if err != nil {
		return err
	}
	return e.Purge(digest)
}
