package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/moorctl/moor/internal/config"
	"github.com/moorctl/moor/internal/daemon"
)

const usage = `usage: moorctl [-socket path] <command> [flags]

commands:
  start    start a session
  stop     stop a session
  status   show one session
  list     show all sessions
  ping     check the daemon is up
`

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	socket := flag.String("socket", "", "control socket path (default: state dir)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client := daemon.NewClient(socketPath(*socket))
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "start":
		err = runStart(client, args)
	case "stop":
		err = runStop(client, args)
	case "status":
		err = runStatus(client, args)
	case "list":
		err = runList(client, args)
	case "ping":
		if err = client.Ping(); err == nil {
			fmt.Println("moord is up")
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "moorctl: %v\n", err)
		os.Exit(1)
	}
}

func socketPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	cfg, err := config.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "moorctl: %v\n", err)
		os.Exit(1)
	}
	return cfg.SocketPath()
}

func runStart(client *daemon.Client, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	name := fs.String("name", "", "session name")
	target := fs.String("target", "", "target URL, e.g. ssh://user@host")
	keyFile := fs.String("key", "", "private key path")
	useAgent := fs.Bool("agent", false, "authenticate through the SSH agent")
	knownHosts := fs.String("known-hosts", "", "known hosts file")
	policy := fs.String("host-key-policy", "", "strict, first_use, or insecure")
	var forwards stringList
	fs.Var(&forwards, "forward", "forward rule [bind:]port:host:port, R: prefix for reverse (repeatable)")
	_ = fs.Parse(args)

	status, err := client.Start(daemon.StartRequest{
		Name:          *name,
		Target:        *target,
		KeyFile:       *keyFile,
		UseAgent:      *useAgent,
		KnownHosts:    *knownHosts,
		HostKeyPolicy: *policy,
		Forwards:      forwards,
	})
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}

func runStop(client *daemon.Client, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	name := fs.String("name", "", "session name")
	_ = fs.Parse(args)
	if *name == "" && fs.NArg() > 0 {
		*name = fs.Arg(0)
	}
	if err := client.Stop(*name); err != nil {
		return err
	}
	fmt.Printf("stopped %s\n", *name)
	return nil
}

func runStatus(client *daemon.Client, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	name := fs.String("name", "", "session name")
	asJSON := fs.Bool("json", false, "raw JSON output")
	_ = fs.Parse(args)
	if *name == "" && fs.NArg() > 0 {
		*name = fs.Arg(0)
	}
	status, err := client.Status(*name)
	if err != nil {
		return err
	}
	if *asJSON {
		return dumpJSON(status)
	}
	printStatus(status)
	return nil
}

func runList(client *daemon.Client, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "raw JSON output")
	_ = fs.Parse(args)
	sessions, err := client.List()
	if err != nil {
		return err
	}
	if *asJSON {
		return dumpJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%-16s %-10s %s\n", s.Name, s.State, s.Target)
	}
	return nil
}

func printStatus(s daemon.SessionStatus) {
	fmt.Printf("%s: %s (%s)\n", s.Name, s.State, s.Target)
	if s.LastError != "" {
		fmt.Printf("  last error: [%s] %s\n", s.ErrorCode, s.LastError)
	}
	if s.Attempt > 0 {
		fmt.Printf("  reconnect attempt: %d\n", s.Attempt)
	}
	for _, f := range s.Forwards {
		fmt.Printf("  forward %s -> %s\n", f.BoundAddr, f.Spec)
	}
	for spec, addr := range s.Reverse {
		fmt.Printf("  reverse %s -> %s\n", spec, addr)
	}
	for _, ch := range s.Channels {
		fmt.Printf("  channel %d %s sent=%d recv=%d\n", ch.ID, ch.State, ch.BytesSent, ch.BytesRecv)
	}
}

func dumpJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
