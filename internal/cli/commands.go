// Package cli implements the operator console: status tables, cluster
// listing, kicks and ban management.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/db"
	"github.com/sustenet/sustenet/internal/directory"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/protocol"
)

var errQuit = errors.New("quit")

// BanStore lists and lifts bans.
type BanStore interface {
	ListBans(ctx context.Context) ([]db.Ban, error)
	Unban(ctx context.Context, ip string) error
}

// Options wires the console to one running role. Directory and Bans are
// nil on a cluster; LinkState is nil on a master.
type Options struct {
	Role      config.Role
	Registry  *network.Registry
	Directory *directory.Directory
	Bans      BanStore
	Bus       *events.EventBus
	LinkState func() string
}

// CLI provides an interactive command-line interface.
type CLI struct {
	opts    Options
	out     io.Writer
	started time.Time
}

// NewCLI creates a console writing to out.
func NewCLI(opts Options, out io.Writer) *CLI {
	return &CLI{opts: opts, out: out, started: time.Now()}
}

// Start reads commands from in until EOF, quit or ctx is cancelled.
func (c *CLI) Start(ctx context.Context, in io.Reader) {
	fmt.Fprintln(c.out, "\nSustenet console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprintf(c.out, "%s> ", c.opts.Role)
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// execute processes a single command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "clusters", "c":
		return c.printClusters()
	case "kick", "k":
		return c.cmdKick(args)
	case "broadcast", "b":
		return c.cmdBroadcast(args)
	case "bans":
		return c.printBans(ctx)
	case "unban":
		return c.cmdUnban(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Sustenet...")
		if c.opts.Bus != nil {
			c.opts.Bus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n  status        Show live connections")
	fmt.Fprintln(c.out, "  clusters      List registered clusters (master)")
	fmt.Fprintln(c.out, "  kick <id>     Drop a connection")
	fmt.Fprintln(c.out, "  broadcast <m> Send a message to every connection")
	fmt.Fprintln(c.out, "  bans          List banned IPs (master)")
	fmt.Fprintln(c.out, "  unban <ip>    Lift a ban (master)")
	fmt.Fprintln(c.out, "  quit          Shut down")
	fmt.Fprintln(c.out, "  help          Show this help message")
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	reg := c.opts.Registry
	fmt.Fprintf(c.out, "\n  Role:        %s\n", c.opts.Role)
	fmt.Fprintf(c.out, "  Uptime:      %s\n", time.Since(c.started).Round(time.Second))
	fmt.Fprintf(c.out, "  Port:        %d\n", reg.Port())
	fmt.Fprintf(c.out, "  Users:       %d\n", reg.CountRole(network.RoleUser))
	if c.opts.Directory != nil {
		fmt.Fprintf(c.out, "  Clusters:    %d\n", c.opts.Directory.Len())
	}
	if c.opts.LinkState != nil {
		fmt.Fprintf(c.out, "  Master link: %s\n", c.opts.LinkState())
	}
	fmt.Fprintln(c.out)

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Role", "Name", "Remote", "UDP", "Connected"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, conn := range reg.Snapshot() {
		udp := conn.UDP
		if udp == "" {
			udp = "-"
		}
		tw.Append([]string{
			strconv.Itoa(conn.ID),
			conn.Role.String(),
			conn.Name,
			conn.Remote,
			udp,
			time.Since(conn.ConnectedAt).Round(time.Second).String(),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printClusters() error {
	if c.opts.Directory == nil {
		return fmt.Errorf("only the master keeps a cluster directory")
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Name", "Address", "Load", "Key", "Conn"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, e := range c.opts.Directory.List() {
		tw.Append([]string{
			e.Name,
			net.JoinHostPort(e.IP, strconv.Itoa(int(e.Port))),
			strconv.Itoa(e.Load),
			e.KeyName,
			strconv.Itoa(e.ConnectionID),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <id>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id < 1 {
		return fmt.Errorf("invalid connection id: %s", args[0])
	}
	if err := c.opts.Registry.Kick(id); err != nil {
		return err
	}
	log.Info().Int("conn_id", id).Msg("CLI: connection kicked")
	fmt.Fprintf(c.out, "Connection %d kicked\n", id)
	return nil
}

func (c *CLI) cmdBroadcast(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: broadcast <message>")
	}
	msg := strings.Join(args, " ")
	c.opts.Registry.SendTCPToAll(protocol.BuildMessage(msg))
	log.Info().Str("message", msg).Msg("CLI: message broadcast")
	fmt.Fprintf(c.out, "Broadcast sent to %d connections\n", c.opts.Registry.Count())
	return nil
}

func (c *CLI) printBans(ctx context.Context) error {
	if c.opts.Bans == nil {
		return fmt.Errorf("only the master keeps bans")
	}
	bans, err := c.opts.Bans.ListBans(ctx)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"IP", "Reason", "Banned At"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, b := range bans {
		tw.Append([]string{b.IP, b.Reason, b.BannedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdUnban(ctx context.Context, args []string) error {
	if c.opts.Bans == nil {
		return fmt.Errorf("only the master keeps bans")
	}
	if len(args) < 1 || net.ParseIP(args[0]) == nil {
		return fmt.Errorf("usage: unban <ip>")
	}
	if err := c.opts.Bans.Unban(ctx, args[0]); err != nil {
		return err
	}
	log.Info().Str("ip", args[0]).Msg("CLI: ban lifted")
	fmt.Fprintf(c.out, "Ban on %s lifted\n", args[0])
	return nil
}
