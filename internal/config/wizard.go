package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading stdin and writing stdout
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard on the given streams
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard, starting from base when it
// is not nil.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== procd Configuration Wizard ===")
	fmt.Fprintln(w.out)

	// Server
	for {
		answer, err := w.ask(fmt.Sprintf("Gateway port [%d]: ", cfg.Server.Port))
		if err != nil {
			return nil, err
		}
		if answer == "" {
			break
		}
		port, err := strconv.Atoi(answer)
		if err == nil {
			err = validator.ValidatePort(port)
		}
		if err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Server.Port = port
		break
	}

	secret, err := w.ask("Shared secret for API clients (press Enter for none): ")
	if err != nil {
		return nil, err
	}
	cfg.Server.SharedSecret = secret

	fmt.Fprintln(w.out)

	// Store
	fmt.Fprintln(w.out, "Store options:")
	fmt.Fprintln(w.out, "  sqlite - processes survive restarts (default)")
	fmt.Fprintln(w.out, "  memory - processes are lost on restart")
	driver, err := w.ask(fmt.Sprintf("Store driver [%s]: ", cfg.Store.Driver))
	if err != nil {
		return nil, err
	}
	if driver != "" {
		if err := validator.ValidateStoreDriver(driver); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using %s\n", err, cfg.Store.Driver)
		} else {
			cfg.Store.Driver = driver
		}
	}

	// Engine
	policy, err := w.ask(fmt.Sprintf("Busy process policy (reject/queue) [%s]: ", cfg.Engine.BusyPolicy))
	if err != nil {
		return nil, err
	}
	if policy != "" {
		if err := validator.ValidateBusyPolicy(policy); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using %s\n", err, cfg.Engine.BusyPolicy)
		} else {
			cfg.Engine.BusyPolicy = policy
		}
	}

	fmt.Fprintln(w.out)

	// Retention
	enable, err := w.ask("Delete finished processes automatically? (y/n) [n]: ")
	if err != nil {
		return nil, err
	}
	if strings.ToLower(enable) == "y" {
		cfg.Retention.Enabled = true
		for {
			ttl, err := w.ask(fmt.Sprintf("Keep finished processes for [%s]: ", cfg.Retention.TTL))
			if err != nil {
				return nil, err
			}
			if ttl == "" {
				break
			}
			if err := validator.ValidateDuration(ttl); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Retention.TTL = ttl
			break
		}
	}

	fmt.Fprintln(w.out)

	// Log Level
	level, err := w.ask(fmt.Sprintf("Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level))
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
