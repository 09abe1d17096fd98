// Package cli implements the interactive operator console of the balancer.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/db"
	"github.com/hbbalancer/hbbalancer/internal/directory"
	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/health"
	"github.com/hbbalancer/hbbalancer/internal/network"
)

const defaultHistory = 20

// Catalog lists and resolves worlds.
type Catalog interface {
	Worlds() []string
	Descriptors(world string) []directory.Descriptor
	Resolve(world string) (directory.Descriptor, error)
}

// SessionSource exposes the listener's sessions and counters.
type SessionSource interface {
	Sessions() *network.SessionRegistry
	Stats() network.StatsSnapshot
}

// Prober probes the backends of a world.
type Prober interface {
	ProbeWorld(ctx context.Context, world string) []health.BackendStatus
}

// History reads the handshake audit log.
type History interface {
	Recent(ctx context.Context, limit int) ([]db.HandshakeRecord, error)
}

// Dependencies of the console. Prober and History may be nil.
type Dependencies struct {
	Catalog  Catalog
	Sessions SessionSource
	Prober   Prober
	History  History
}

// CLI provides an interactive command-line interface.
type CLI struct {
	eventBus *events.EventBus
	deps     Dependencies
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(eventBus *events.EventBus, deps Dependencies, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		deps:     deps,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is done, input ends or quit is
// entered.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nhbbalancer console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("console input failed")
		}
	}()

	for {
		fmt.Fprint(c.out, "hbbalancer> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "worlds", "w":
		c.printWorlds()
	case "sessions":
		c.printSessions()
	case "history":
		return false, c.cmdHistory(ctx, args)
	case "resolve":
		return false, c.cmdResolve(args)
	case "probe":
		return false, c.cmdProbe(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down hbbalancer...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status            Listener counters and uptime
  worlds            Configured worlds and backends
  sessions          Sessions in progress
  history [n]       Last n handshakes from the audit log
  resolve <world>   Pick a backend the way a session would
  probe <world>     Check TCP reachability of a world's backends
  quit              Stop the balancer
  help              Show this help message`)
}

func (c *CLI) table(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	st := c.deps.Sessions.Stats()

	tw := c.table("Uptime", "Active", "Accepted", "Denied", "Routed", "Rejected", "Aborted")
	tw.Append([]string{
		st.Uptime.Truncate(time.Second).String(),
		strconv.Itoa(st.Active),
		strconv.FormatUint(st.Accepted, 10),
		strconv.FormatUint(st.Denied, 10),
		strconv.FormatUint(st.Routed, 10),
		strconv.FormatUint(st.Rejected, 10),
		strconv.FormatUint(st.Aborted, 10),
	})
	tw.Render()
}

func (c *CLI) printWorlds() {
	tw := c.table("World", "Backend", "Canonical name")
	for _, world := range c.deps.Catalog.Worlds() {
		for _, d := range c.deps.Catalog.Descriptors(world) {
			tw.Append([]string{world, d.Addr(), d.WorldName})
		}
	}
	tw.Render()
}

func (c *CLI) printSessions() {
	sessions := c.deps.Sessions.Sessions().Snapshot()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No active sessions")
		return
	}

	tw := c.table("ID", "Remote", "State", "Kind", "World", "Backend", "Age")
	for _, s := range sessions {
		tw.Append([]string{
			shortID(s.ID),
			s.Remote,
			s.State,
			string(s.Kind),
			s.World,
			s.Backend,
			time.Since(s.StartedAt).Truncate(time.Millisecond).String(),
		})
	}
	tw.Render()
}

func (c *CLI) cmdHistory(ctx context.Context, args []string) error {
	if c.deps.History == nil {
		return fmt.Errorf("audit log is disabled")
	}

	limit := defaultHistory
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	records, err := c.deps.History.Recent(ctx, limit)
	if err != nil {
		return err
	}

	tw := c.table("Time", "Remote", "Kind", "Account", "World", "Outcome", "Reason", "Duration")
	for _, r := range records {
		tw.Append([]string{
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Remote,
			string(r.Kind),
			r.Account,
			r.World,
			string(r.Outcome),
			string(r.Reason),
			r.Duration.Truncate(time.Millisecond).String(),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdResolve(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: resolve <world>")
	}
	d, err := c.deps.Catalog.Resolve(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s -> %s (sent as %q)\n", args[0], d.Addr(), d.WorldName)
	return nil
}

func (c *CLI) cmdProbe(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: probe <world>")
	}
	if c.deps.Prober == nil {
		return fmt.Errorf("health checks are disabled")
	}
	if len(c.deps.Catalog.Descriptors(args[0])) == 0 {
		return fmt.Errorf("%w: %q", directory.ErrWorldNotFound, args[0])
	}

	tw := c.table("Backend", "Reachable", "Latency", "Error")
	for _, st := range c.deps.Prober.ProbeWorld(ctx, args[0]) {
		tw.Append([]string{
			st.Backend,
			strconv.FormatBool(st.Reachable),
			st.Latency.Truncate(time.Microsecond).String(),
			st.LastError,
		})
	}
	tw.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
