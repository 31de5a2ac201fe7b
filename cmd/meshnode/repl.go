package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"meshnode/internal/node"
	"meshnode/internal/peer"
	"meshnode/internal/transfer"
)

type replHandlers struct {
	chat      func(text string)
	peers     func()
	send      func(target, path string)
	accept    func(id string)
	reject    func(id string)
	transfers func()
	status    func()
	help      func()
	unknown   func(w io.Writer)
}

// dispatchRepl runs one input line and reports whether the REPL should exit.
// Lines not starting with "/" are chat messages.
func dispatchRepl(line string, w io.Writer, h replHandlers) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if line == "quit" || line == "exit" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if h.chat != nil {
			h.chat(line)
		}
		return false
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	call := func(fn func()) {
		if fn != nil {
			fn()
		}
	}
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/peers":
		call(h.peers)
	case "/transfers":
		call(h.transfers)
	case "/status":
		call(h.status)
	case "/help":
		call(h.help)
	case "/send":
		if len(args) < 2 {
			fmt.Fprintln(w, "usage: /send <node-id|ip:port> <path>")
			return false
		}
		if h.send != nil {
			h.send(args[0], strings.Join(args[1:], " "))
		}
	case "/accept", "/reject":
		if len(args) != 1 {
			fmt.Fprintf(w, "usage: %s <transfer-id>\n", cmd)
			return false
		}
		if cmd == "/accept" && h.accept != nil {
			h.accept(args[0])
		}
		if cmd == "/reject" && h.reject != nil {
			h.reject(args[0])
		}
	default:
		if h.unknown != nil {
			h.unknown(w)
		}
	}
	return false
}

func printReplHelp(w io.Writer) {
	fmt.Fprintln(w, "type a line to chat, or:")
	fmt.Fprintln(w, "  /peers                 list known peers")
	fmt.Fprintln(w, "  /send <peer> <path>    offer a file to a node id or ip:port")
	fmt.Fprintln(w, "  /accept <id>           accept a file offer")
	fmt.Fprintln(w, "  /reject <id>           reject a file offer")
	fmt.Fprintln(w, "  /transfers             list active transfers")
	fmt.Fprintln(w, "  /status                show counters")
	fmt.Fprintln(w, "  /quit")
}

func nodeHandlers(n *node.Node, w io.Writer) replHandlers {
	report := func(err error) {
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
	return replHandlers{
		chat:  func(text string) { report(n.SendChat(text)) },
		peers: func() { printPeers(w, n.Peers()) },
		send: func(target, path string) {
			info, err := n.SendFileOffer(target, path)
			if err != nil {
				report(err)
				return
			}
			fmt.Fprintf(w, "offered %s (%d bytes) as %s\n", info.Filename, info.Size, info.ID)
		},
		accept: func(id string) { report(n.AcceptFileOffer(id)) },
		reject: func(id string) { report(n.RejectFileOffer(id)) },
		transfers: func() {
			for _, o := range n.PendingOffers() {
				fmt.Fprintf(w, "offer   %s %s (%d bytes) from %s\n", o.TransferID, o.Filename, o.Size, o.From)
			}
			printTransfers(w, n.Transfers())
		},
		status:  func() { printSnapshot(w, n.Metrics().Snapshot()) },
		help:    func() { printReplHelp(w) },
		unknown: func(w io.Writer) { fmt.Fprintln(w, "unknown command, try /help") },
	}
}

func printPeers(w io.Writer, peers []peer.Peer) {
	if len(peers) == 0 {
		fmt.Fprintln(w, "no peers")
		return
	}
	for _, p := range peers {
		id := p.NodeID
		if id == "" {
			id = "unknown"
		}
		latency := "-"
		if p.HasLatency {
			latency = p.Latency.Round(time.Millisecond).String()
		}
		seen := "-"
		if !p.LastSeen.IsZero() {
			seen = time.Since(p.LastSeen).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%-21s %s latency=%s seen=%s\n", p.Key(), id, latency, seen)
	}
}

func printTransfers(w io.Writer, infos []transfer.Info) {
	for _, t := range infos {
		fmt.Fprintf(w, "%-7s %s %s %d/%d chunks %.0f%% %s\n",
			t.Direction, t.ID, t.Filename, t.Received, t.ChunkCount, t.Progress*100, t.State)
	}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// consoleObserver prints node events for the interactive REPL.
type consoleObserver struct {
	node.NopObserver
	w io.Writer
}

func (c *consoleObserver) OnChat(ev node.ChatEvent) {
	fmt.Fprintf(c.w, "[%s] %s\n", short(ev.From), ev.Text)
}

func (c *consoleObserver) OnFileOffer(ev node.FileOfferEvent) {
	fmt.Fprintf(c.w, "%s offers %s (%d bytes): /accept %s or /reject %s\n",
		short(ev.From), ev.Filename, ev.Size, ev.TransferID, ev.TransferID)
}

func (c *consoleObserver) OnFileDone(ev node.FileDoneEvent) {
	if ev.Transfer.Direction == transfer.Inbound {
		fmt.Fprintf(c.w, "received %s -> %s\n", ev.Transfer.Filename, ev.Path)
		return
	}
	fmt.Fprintf(c.w, "sent %s\n", ev.Transfer.Filename)
}

func (c *consoleObserver) OnFileRejected(info transfer.Info) {
	fmt.Fprintf(c.w, "%s rejected %s\n", short(info.Receiver), info.Filename)
}

func (c *consoleObserver) OnFileFailed(ev node.FileFailedEvent) {
	fmt.Fprintf(c.w, "transfer %s (%s) failed: %v\n", ev.Transfer.ID, ev.Transfer.Filename, ev.Err)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
