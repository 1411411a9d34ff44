// Command mailsync synchronizes mailboxes into PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

type command struct {
	words  []string
	params string
	help   string
	fn     func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{words: []string{"sync"}, help: "Run one sync over all active accounts.", fn: cmdSync},
	{words: []string{"serve"}, help: "Sync periodically and on IMAP push notifications, exposing metrics.", fn: cmdServe},
	{words: []string{"status"}, params: "[-n count]", help: "Show the latest sync runs.", fn: cmdStatus},
	{words: []string{"migrate"}, help: "Apply database migrations.", fn: cmdMigrate},
	{words: []string{"account", "list"}, help: "List accounts.", fn: cmdAccountList},
	{words: []string{"account", "add"}, params: "-email address -provider gmail|imap [-token-file path] [-host host:port -username user]", help: "Add or re-authorize an account. IMAP passwords are read from stdin.", fn: cmdAccountAdd},
	{words: []string{"account", "deactivate"}, params: "-email address [-reason text]", help: "Stop syncing an account.", fn: cmdAccountDeactivate},
	{words: []string{"account", "activate"}, params: "-email address", help: "Resume syncing an account.", fn: cmdAccountActivate},
}

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	e := &env{stdin: os.Stdin, stdout: os.Stdout}

	err := run(ctx, e, os.Args[1:])
	e.close()
	stop()

	if errors.Is(err, errUsage) {
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailsync: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches args to the longest matching command.
func run(ctx context.Context, e *env, args []string) error {
	var best *command
	for i := range commands {
		c := &commands[i]
		if len(args) < len(c.words) {
			continue
		}
		if strings.Join(args[:len(c.words)], " ") != strings.Join(c.words, " ") {
			continue
		}
		if best == nil || len(c.words) > len(best.words) {
			best = c
		}
	}
	if best == nil {
		return errUsage
	}
	return best.fn(ctx, e, args[len(best.words):])
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	for _, c := range commands {
		line := "  mailsync " + strings.Join(c.words, " ")
		if c.params != "" {
			line += " " + c.params
		}
		fmt.Fprintln(w, line)
		fmt.Fprintln(w, "        "+c.help)
	}
}

// newFlags returns a flag set that reports errors instead of exiting.
func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}
