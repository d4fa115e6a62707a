package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"devicelink/network"
)

// pairingPrompter asks the operator to confirm pairing requests, one at a time.
type pairingPrompter struct {
	mu     sync.Mutex
	reader *bufio.Reader
	out    io.Writer
}

// newPairingPrompter returns nil when in is not an interactive terminal.
func newPairingPrompter(in *os.File, out io.Writer) *pairingPrompter {
	if !term.IsTerminal(int(in.Fd())) {
		return nil
	}
	return &pairingPrompter{reader: bufio.NewReader(in), out: out}
}

func (p *pairingPrompter) ask(req network.PairingRequest, respond func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := req.Presence.DisplayName
	if name == "" {
		name = req.Presence.UUID
	}
	fmt.Fprintf(p.out, "\nPairing request from %s\n", name)
	fmt.Fprintf(p.out, "  Device ID:   %s\n", req.Presence.UUID)
	fmt.Fprintf(p.out, "  Address:     %s\n", req.Presence.IP)
	if req.Presence.DeviceType != "" {
		fmt.Fprintf(p.out, "  Type:        %s\n", req.Presence.DeviceType)
	}
	fmt.Fprintf(p.out, "  Fingerprint: %s\n", req.Fingerprint)
	fmt.Fprint(p.out, "Accept? [y/N]: ")

	respond(readYes(p.reader))
}

func readYes(r *bufio.Reader) bool {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
