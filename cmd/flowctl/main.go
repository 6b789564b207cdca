// flowctl is the interactive client of flowpiped.
//
// Operational commands go to the daemon's gRPC API. Configuration mode
// edits the configuration file the daemon reads at startup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/flowpipe/pkg/cmdtree"
	"github.com/psaab/flowpipe/pkg/config"
	"github.com/psaab/flowpipe/pkg/configstore"
	"github.com/psaab/flowpipe/pkg/daemon"
	"github.com/psaab/flowpipe/pkg/grpcapi"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "flowpiped gRPC address")
	apiKey := flag.String("api-key", os.Getenv("FLOWPIPE_API_KEY"), "API key sent as a bearer token")
	configFile := flag.String("config", daemon.DefaultConfigFile, "configuration file used for completion and editing")
	flag.Parse()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	c := &ctl{
		client:     grpcapi.NewClient(conn, *apiKey),
		configFile: *configFile,
		out:        os.Stdout,
	}
	c.loadConfig()

	// A command line runs once and exits.
	if args := flag.Args(); len(args) > 0 {
		c.startCmd()
		err := c.dispatch(strings.Join(args, " "))
		c.endCmd()
		if err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "flowctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := c.client.Call(ctx, "GetStatus", nil)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowctl: cannot reach flowpiped at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/flowctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{ctl: c},
		Listener: readline.FuncListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
			if key != '?' || pos < 1 {
				return line, pos, false
			}
			// Strip the '?' that readline already inserted.
			clean := make([]rune, 0, len(line)-1)
			clean = append(clean, line[:pos-1]...)
			clean = append(clean, line[pos:]...)
			words := strings.Fields(string(clean[:pos-1]))
			cands := c.candidates(words, "")
			if len(cands) == 0 {
				fmt.Fprintln(c.rl.Stdout(), "  (no help available)")
			} else {
				cmdtree.WriteHelp(c.rl.Stdout(), cands)
			}
			return clean, pos - 1, true
		}),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	c.rl = rl

	fmt.Printf("flowctl connected to flowpiped (uptime %s, driver %s)\n",
		st.GetFields()["uptime"].GetStringValue(), st.GetFields()["driver"].GetStringValue())
	fmt.Println("Type '?' for help")
	fmt.Println()

	// First Ctrl-C cancels a running command; a second one within two
	// seconds exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		var last time.Time
		for range sigCh {
			if c.cancelCmd() {
				fmt.Fprintln(os.Stderr, "\n^C (command cancelled)")
				continue
			}
			if time.Since(last) < 2*time.Second {
				os.Exit(0)
			}
			last = time.Now()
			fmt.Fprintln(os.Stderr, "\n^C (press again within 2s to exit)")
			rl.Refresh()
		}
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				if c.inConfig() {
					c.leaveConfig()
					continue
				}
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c.startCmd()
		err = c.dispatch(line)
		c.endCmd()
		if err != nil {
			if errors.Is(err, errExit) {
				break
			}
			if errors.Is(err, context.Canceled) {
				continue
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = errors.New("exit")

// caller is the part of the gRPC client the commands use.
type caller interface {
	Call(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error)
	StreamEvents(ctx context.Context, filter map[string]any, fn func(*structpb.Struct) bool) error
}

type ctl struct {
	client     caller
	rl         *readline.Instance
	out        io.Writer
	configFile string

	// cfg is the compiled configuration file, used for completion and to
	// resolve the port of a pipe. nil when the file is unreadable.
	cfg *config.Config

	// store holds the active and candidate trees of the file. loadErr
	// is set when the file does not parse or compile.
	store   *configstore.Store
	loadErr error

	cmdMu     sync.Mutex
	cmdCtx    context.Context
	cmdCancel context.CancelFunc
}

// loadConfig reads the configuration file and its rollback versions.
// Failures only disable dynamic completion until configuration mode is
// entered.
func (c *ctl) loadConfig() {
	c.store = configstore.New(c.configFile, configstore.DefaultHistory)
	c.loadErr = c.store.Load()
	if c.loadErr == nil {
		c.cfg = c.store.ActiveConfig()
	}
}

func (c *ctl) inConfig() bool {
	return c.store != nil && c.store.InConfigMode()
}

// startCmd creates a cancellable context for the current command.
func (c *ctl) startCmd() {
	c.cmdMu.Lock()
	c.cmdCtx, c.cmdCancel = context.WithCancel(context.Background())
	c.cmdMu.Unlock()
}

func (c *ctl) endCmd() {
	c.cmdMu.Lock()
	if c.cmdCancel != nil {
		c.cmdCancel()
	}
	c.cmdCtx, c.cmdCancel = nil, nil
	c.cmdMu.Unlock()
}

// ctx returns the current command context, or background if none.
func (c *ctl) ctx() context.Context {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.cmdCtx != nil {
		return c.cmdCtx
	}
	return context.Background()
}

// cancelCmd cancels any running command and reports whether there was one.
func (c *ctl) cancelCmd() bool {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.cmdCancel != nil {
		c.cmdCancel()
		return true
	}
	return false
}

func (c *ctl) prompt() string {
	if c.inConfig() {
		return "flowctl# "
	}
	return "flowctl> "
}

func (c *ctl) dispatch(line string) error {
	if c.inConfig() {
		return c.dispatchConfig(line)
	}
	return c.dispatchOperational(line)
}

// candidates returns the completions after words in the current mode.
func (c *ctl) candidates(words []string, partial string) []cmdtree.Candidate {
	if c.inConfig() {
		if len(words) > 0 && (words[0] == "set" || words[0] == "delete") {
			var out []cmdtree.Candidate
			for _, name := range config.CompleteSetPathWithValues(words[1:], c.valueProvider) {
				if strings.HasPrefix(name, partial) {
					out = append(out, cmdtree.Candidate{Name: name})
				}
			}
			return out
		}
		if len(words) > 0 && words[0] == "run" {
			return cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words[1:], partial, c.cfg)
		}
		return cmdtree.CompleteFromTreeWithDesc(cmdtree.ConfigTopLevel, words, partial, c.cfg)
	}
	return cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words, partial, c.cfg)
}

type completer struct {
	ctl *ctl
}

func (rc *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	words := strings.Fields(text)
	var partial string
	if len(words) > 0 && !strings.HasSuffix(text, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	cands := rc.ctl.candidates(words, partial)
	if len(cands) == 0 {
		return nil, 0
	}
	names := make([]string, len(cands))
	for i, cd := range cands {
		names[i] = cd.Name
	}
	sort.Strings(names)
	if len(names) == 1 {
		return [][]rune{[]rune(names[0][len(partial):] + " ")}, len(partial)
	}
	cmdtree.WriteHelp(rc.ctl.rl.Stdout(), cands)
	suffix := cmdtree.CommonPrefix(names)[len(partial):]
	if suffix == "" {
		return nil, 0
	}
	return [][]rune{[]rune(suffix)}, len(partial)
}
