package wizard

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"remote-terminal-go/internal/config"
)

// RunTerminal walks the field schema interactively on a real terminal
// (the `setup` subcommand, also spawned as an external window by
// create_server_config with cursor_interactive=false). The record is
// saved through the store on completion.
func RunTerminal(in io.Reader, out io.Writer, store *config.Store) error {
	session := NewRegistry().Start(nil)
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "remote-terminal server configuration")
	fmt.Fprintln(out)

	for {
		field, more := session.Next()
		if !more {
			break
		}
		fmt.Fprintf(out, "%s", field.Prompt)
		if def := session.effectiveDefault(field); def != "" {
			fmt.Fprintf(out, " [%s]", def)
		}
		fmt.Fprint(out, ": ")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read input: %w", err)
		}
		if applyErr := session.Apply(field.Name, strings.TrimSpace(line)); applyErr != nil {
			fmt.Fprintf(out, "  %v\n", applyErr)
			continue
		}
	}

	cfg, err := session.Materialize()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := store.EnsureExists(); err != nil {
		return err
	}
	reg := config.NewRegistry()
	reg.Servers[cfg.Name] = cfg
	if err := store.Save(reg, true); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nServer %q saved to %s\n", cfg.Name, store.Path())
	return nil
}
