// Package pprofutil serves the optional loopback debug endpoint: the pprof
// handlers plus a JSON view of the node metrics.
package pprofutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"meshnode/internal/debuglog"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startAddr string
	startErr  error
)

// SnapshotFunc returns the value served at /debug/metrics.
type SnapshotFunc func() any

// StartFromEnv starts the debug server when MESH_PPROF=1 and returns the
// bound address, or "" when disabled.
func StartFromEnv(snap SnapshotFunc) (string, error) {
	if strings.TrimSpace(os.Getenv("MESH_PPROF")) != "1" {
		return "", nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("MESH_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("MESH_PPROF_ALLOW_PUBLIC")) == "1"
		if !allowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("MESH_PPROF_ADDR must be loopback unless MESH_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		startAddr, startErr = Start(addr, snap)
	})
	return startAddr, startErr
}

// Start serves the debug endpoints on addr in the background.
func Start(addr string, snap SnapshotFunc) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	srv := &http.Server{
		Addr:              actual,
		Handler:           Handler(snap),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			debuglog.Warnf("debug server stopped: %v", err)
		}
	}()
	debuglog.Logf("pprof enabled: http://%s/debug/pprof/", actual)
	return actual, nil
}

func Handler(snap SnapshotFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/metrics", func(w http.ResponseWriter, r *http.Request) {
		if snap == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap())
	})
	return mux
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
