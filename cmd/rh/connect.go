package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"golang.org/x/term"
	"gorm.io/gorm"
)

const defaultConfigPath = "roundhouse.yaml"

// connectFromConfig loads the config file and opens its database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	return cfg, gormDB, nil
}

// stdinIsTerminal is swapped out by tests.
var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

// confirm asks a yes/no question on an interactive terminal. Without one
// the caller must pass --yes.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	if !stdinIsTerminal() {
		return false, fmt.Errorf("%s: not a terminal, pass --yes to confirm", question)
	}
	fmt.Fprintf(out, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
