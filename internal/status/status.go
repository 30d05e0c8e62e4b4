// Package status implements the Unix-domain status socket: on each accepted
// connection it writes a snapshot of the model as lines and closes.
package status

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/onionbalance-manager/internal/instance"
	"github.com/opd-ai/onionbalance-manager/internal/obserr"
	"github.com/opd-ai/onionbalance-manager/internal/obslog"
)

// acceptTimeout bounds how long the status server's accept loop blocks,
// keeping the main loop's status channel responsive while otherwise idle.
const acceptTimeout = 1 * time.Second

// ServiceView is the read-only snapshot the status server renders for one
// front service.
type ServiceView struct {
	Address    string
	LastUpload time.Time
	Instances  []*instance.Instance
}

// ModelSnapshot supplies the current set of services to render.
type ModelSnapshot interface {
	Services() []ServiceView
}

// Server is the status socket listener.
type Server struct {
	path     string
	listener *net.UnixListener
	model    ModelSnapshot
	log      *obslog.Logger
}

// Listen binds the Unix-domain socket at path, removing any stale socket
// file left behind by a previous run.
func Listen(path string, model ModelSnapshot, log *obslog.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, obserr.StatusSocketError("creating status socket directory", err)
	}
	_ = os.Remove(path) // best effort; a stale socket from a prior run

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, obserr.StatusSocketError("resolving status socket address", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, obserr.StatusSocketError("binding status socket", err)
	}
	return &Server{path: path, listener: listener, model: model, log: log}, nil
}

// AcceptOnce performs one bounded accept; a timeout is not an error. Any
// accepted connection receives a full snapshot and is then closed.
func (s *Server) AcceptOnce() {
	s.listener.SetDeadline(time.Now().Add(acceptTimeout))
	conn, err := s.listener.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		s.log.Error("status socket accept failed", "err", err)
		return
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	writeSnapshot(w, s.model.Services())
	if err := w.Flush(); err != nil {
		s.log.Error("status socket write failed", "err", err)
	}
}

// Close closes the listener and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

// writeSnapshot renders the model per the status-socket grammar:
//
//	<front>.onion <last-upload-UTC-or-"None">
//	  <instance>.onion
//	    published:   <desc-timestamp-UTC> <N> ips      | [not published]
//	    health:      [ up ] | [down]
//	    check time:  <YYYY-MM-DD HH:MM:SS>             (optional)
//	    duration:    <seconds>.<ms>s                   (optional)
//	<blank line after each service's block>
func writeSnapshot(w *bufio.Writer, services []ServiceView) {
	for _, svc := range services {
		lastUpload := "None"
		if !svc.LastUpload.IsZero() {
			lastUpload = svc.LastUpload.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s.onion %s\n", svc.Address, lastUpload)

		for _, inst := range svc.Instances {
			fmt.Fprintf(w, "  %s.onion\n", inst.Address)

			if inst.HasDescriptor() {
				fmt.Fprintf(w, "    published:   %s %d ips\n",
					inst.PublishedAt.UTC().Format("2006-01-02 15:04:05"), len(inst.IntroPoints))
			} else {
				fmt.Fprintf(w, "    published:   [not published]\n")
			}

			health := "[down]"
			if inst.IsHealthy == instance.HealthUp {
				health = "[ up ]"
			}
			fmt.Fprintf(w, "    health:      %s\n", health)

			if !inst.LastProbeStart.IsZero() {
				fmt.Fprintf(w, "    check time:  %s\n", inst.LastProbeStart.UTC().Format("2006-01-02 15:04:05"))
				fmt.Fprintf(w, "    duration:    %.3fs\n", inst.LastProbeDur.Seconds())
			}
		}
		fmt.Fprintln(w)
	}
}
