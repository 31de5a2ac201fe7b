package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"meshnode/internal/debuglog"
	"meshnode/internal/metrics"
	"meshnode/internal/node"
	"meshnode/internal/peer"
	"meshnode/internal/pprofutil"
	"meshnode/internal/transfer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdin, stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "transfers":
		return runTransfers(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshnode <run|status|peers|transfers> [args]")
	fmt.Fprintln(w, "  run       [--port 6232] [--bootstrap ip:port,...] [--data dir] [--no-repl] [--debug]")
	fmt.Fprintln(w, "  status    [--data dir]")
	fmt.Fprintln(w, "  peers     [--data dir]")
	fmt.Fprintln(w, "  transfers [--data dir] [--n 20]")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".meshnode")
}

func dataFlag(fs *flag.FlagSet) *string {
	return fs.String("data", "", "data dir (default $MESH_DATA_DIR or ~/.meshnode)")
}

func resolveDataDir(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if env := strings.TrimSpace(os.Getenv("MESH_DATA_DIR")); env != "" {
		return env
	}
	return homeDir()
}

func runNode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := node.DefaultConfig()
	cfg.ApplyEnv()
	port := fs.Int("port", cfg.Port, "udp port (0 picks a free one)")
	bootstrap := fs.String("bootstrap", strings.Join(cfg.Bootstrap, ","), "comma separated ip:port peers")
	data := dataFlag(fs)
	noRepl := fs.Bool("no-repl", false, "do not read commands from stdin")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		debuglog.SetDebug(true)
	}
	cfg.Port = *port
	cfg.Bootstrap = nil
	for _, b := range strings.Split(*bootstrap, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Bootstrap = append(cfg.Bootstrap, b)
		}
	}
	cfg.DataDir = resolveDataDir(*data)

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "start node failed: %v\n", err)
		return 1
	}
	defer n.Close()
	n.Subscribe(&consoleObserver{w: stdout})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "start node failed: %v\n", err)
		return 1
	}
	if _, err := pprofutil.StartFromEnv(func() any { return n.Metrics().Snapshot() }); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
	}
	fmt.Fprintf(stdout, "READY port=%d node_id=%s\n", n.Port(), n.ID())

	if *noRepl {
		<-ctx.Done()
		return 0
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	handlers := nodeHandlers(n, stdout)
	for {
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if dispatchRepl(line, stdout, handlers) {
				return 0
			}
		}
	}
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	data := dataFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, err := metrics.ReadSnapshot(filepath.Join(resolveDataDir(*data), "metrics.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(stdout, "status: no snapshot yet (is the node running?)")
			return 1
		}
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	printSnapshot(stdout, snap)
	return 0
}

func printSnapshot(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "node %s port=%d (as of %s)\n", snap.NodeID, snap.Port, snap.GeneratedAt.Format("15:04:05"))
	fmt.Fprintf(w, "  peers: %d  dedup: %d\n", snap.PeerTable, snap.DedupSize)
	fmt.Fprintf(w, "  sent: %d  send errors: %d  relayed: %d  fan-out skipped: %d\n",
		snap.Gossip.Sent, snap.Gossip.SendErrors, snap.Gossip.Relayed, snap.Gossip.FanoutSkipped)
	fmt.Fprintf(w, "  chunks: sent=%d received=%d  transfers: done=%d failed=%d rejected=%d\n",
		snap.Transfer.ChunksSent, snap.Transfer.ChunksReceived, snap.Transfer.Done, snap.Transfer.Failed, snap.Transfer.Rejected)
	for _, k := range sortedKeys(snap.RecvByType) {
		fmt.Fprintf(w, "  recv %s: %d\n", k, snap.RecvByType[k])
	}
	for _, k := range sortedKeys(snap.DropByReason) {
		fmt.Fprintf(w, "  drop %s: %d\n", k, snap.DropByReason[k])
	}
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	data := dataFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	peers, err := peer.NewBook(filepath.Join(resolveDataDir(*data), "peers.jsonl")).Load(0)
	if err != nil {
		fmt.Fprintf(stderr, "peers: %v\n", err)
		return 1
	}
	printPeers(stdout, peers)
	return 0
}

func runTransfers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("transfers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	data := dataFlag(fs)
	limit := fs.Int("n", 20, "number of records")
	asJSON := fs.Bool("json", false, "print JSON lines")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	recs, err := transfer.NewHistory(filepath.Join(resolveDataDir(*data), "transfers.jsonl")).Recent(*limit)
	if err != nil {
		fmt.Fprintf(stderr, "transfers: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	for _, r := range recs {
		if *asJSON {
			_ = enc.Encode(r)
			continue
		}
		line := fmt.Sprintf("%s %-7s %s %s %d bytes %s", r.At.Format("2006-01-02 15:04:05"), r.Direction, r.ID, r.Filename, r.Size, r.State)
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}
