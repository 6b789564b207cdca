package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/psaab/flowpipe/pkg/cmdtree"
	"github.com/psaab/flowpipe/pkg/config"
)

func (c *ctl) setPrompt() {
	if c.rl != nil {
		c.rl.SetPrompt(c.prompt())
	}
}

// enterConfig starts a candidate from the configuration file. The file
// is reloaded so commits made by another session are picked up.
func (c *ctl) enterConfig() error {
	c.loadConfig()
	if c.loadErr != nil {
		return fmt.Errorf("%s: %w", c.configFile, c.loadErr)
	}
	c.store.EnterConfigure()
	c.setPrompt()
	fmt.Fprintf(c.out, "Editing %s\n", c.configFile)
	return nil
}

func (c *ctl) leaveConfig() {
	if c.store.IsDirty() {
		fmt.Fprintln(c.out, "Uncommitted changes discarded")
	}
	c.store.ExitConfigure()
	c.setPrompt()
	fmt.Fprintln(c.out, "Exiting configuration mode")
}

func (c *ctl) dispatchConfig(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	switch parts[0] {
	case "set":
		if len(parts) < 2 {
			return fmt.Errorf("usage: set <statement>")
		}
		return c.store.Set(parts[1:])
	case "delete":
		if len(parts) < 2 {
			return fmt.Errorf("usage: delete <statement>")
		}
		return c.store.Delete(parts[1:])
	case "show":
		return c.showCandidate(parts[1:])
	case "commit":
		return c.commit(len(parts) > 1 && parts[1] == "check")
	case "rollback":
		n := 0
		if len(parts) > 1 {
			v, err := strconv.Atoi(parts[1])
			if err != nil || v < 0 {
				return fmt.Errorf("usage: rollback [N]")
			}
			n = v
		}
		if err := c.store.Rollback(n); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "load complete")
		return nil
	case "run":
		return c.dispatchOperational(strings.Join(parts[1:], " "))
	case "?", "help":
		cmdtree.WriteHelp(c.out, cmdtree.HelpCandidates(cmdtree.ConfigTopLevel))
		return nil
	case "exit", "quit":
		c.leaveConfig()
		return nil
	}
	return fmt.Errorf("unknown command: %s", parts[0])
}

func (c *ctl) showCandidate(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(c.out, c.store.ShowCandidate())
		return nil
	}
	switch args[0] {
	case "set":
		fmt.Fprint(c.out, c.store.ShowCandidateSet())
	case "compare":
		fmt.Fprint(c.out, c.store.ShowCompare())
	case "history":
		for i, h := range c.store.History() {
			fmt.Fprintf(c.out, "%-3d %s\n", i+1, h.Timestamp.Format("2006-01-02 15:04:05"))
		}
	default:
		return fmt.Errorf("usage: show [set|compare|history]")
	}
	return nil
}

// commit compiles the candidate and, unless checkOnly, writes it to the
// configuration file. The daemon reads it at its next start.
func (c *ctl) commit(checkOnly bool) error {
	var (
		cfg *config.Config
		err error
	)
	if checkOnly {
		cfg, err = c.store.CommitCheck()
		if err != nil {
			return fmt.Errorf("configuration check failed: %w", err)
		}
	} else if cfg, err = c.store.Commit(); err != nil {
		return err
	}
	for _, w := range cfg.Warnings {
		fmt.Fprintf(c.out, "warning: %s\n", w)
	}
	if checkOnly {
		fmt.Fprintln(c.out, "configuration check succeeds")
		return nil
	}
	c.cfg = cfg
	fmt.Fprintln(c.out, "commit complete; restart flowpiped to apply")
	return nil
}

// valueProvider offers names from the candidate for set and delete
// completion.
func (c *ctl) valueProvider(hint config.ValueHint) []string {
	cfg := c.cfg
	if c.inConfig() {
		cfg = c.store.CandidateConfig()
	}
	if cfg == nil {
		return nil
	}
	switch hint {
	case config.ValueHintPortID:
		return cmdtree.PortIDs(cfg)
	case config.ValueHintPipeName:
		return cmdtree.PipeNames(cfg)
	case config.ValueHintEntryName:
		var out []string
		for _, p := range cfg.Pipes {
			for _, e := range p.Entries {
				out = append(out, e.Name)
			}
		}
		return out
	case config.ValueHintResourceID:
		var out []string
		for _, r := range cfg.SharedResources {
			out = append(out, strconv.FormatUint(uint64(r.ID), 10))
		}
		return out
	case config.ValueHintSyslogHost:
		var out []string
		for _, s := range cfg.System.Syslog {
			out = append(out, s.Host)
		}
		return out
	}
	return nil
}
