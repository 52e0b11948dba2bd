// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/spf13/cobra"
)

const sessionKey = "$session"

var shellCmd = &cobra.Command{
	Use:   "shell [COMMAND ARGS...]",
	Short: "Interactive shell over one client session",
	Long: `Open the connection once and issue commands interactively. Every command
goes through the same queue, retries and verification as the one-shot
commands. With arguments, runs that single shell command and exits.

Commands:
` + consoleHelp(),
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func consoleHelp() string {
	var b strings.Builder
	for _, c := range consoleCommands {
		fmt.Fprintf(&b, "  %-28s %s\n", c.Usage, c.Help)
	}
	return b.String()
}

// sessionFrom gets the session stored on the shell
func sessionFrom(c *ishell.Context) *session {
	return c.Get(sessionKey).(*session)
}

// newShell builds an ishell with every console command bound to s.
// Command errors are also recorded in lastErr for non-interactive runs.
func newShell(ctx context.Context, s *session, lastErr *error) *ishell.Shell {
	sh := ishell.New()
	sh.Set(sessionKey, s)
	sh.SetPrompt("bmslink > ")

	for _, cc := range consoleCommands {
		name := cc.Name
		sh.AddCmd(&ishell.Cmd{
			Name:     name,
			Help:     cc.Help,
			LongHelp: cc.Usage,
			Func: func(c *ishell.Context) {
				line := name + " " + strings.Join(c.Args, " ")
				out, err := execLine(ctx, sessionFrom(c).client, line)
				*lastErr = err
				if err != nil {
					c.Err(err)
					return
				}
				c.Print(out)
			},
		})
	}
	return sh
}

func runShell(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	var lastErr error
	sh := newShell(cmd.Context(), s, &lastErr)

	if len(args) > 0 {
		if err := sh.Process(args...); err != nil {
			return err
		}
		return lastErr
	}

	sh.Printf("bmslink - %s (state: %s)\n", s.connInfo, s.client.State())
	sh.Println("Type 'help' for commands, 'exit' to quit")
	sh.Run()
	return nil
}
