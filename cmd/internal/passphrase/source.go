// Package passphrase resolves keystore passphrases for the command line
// tools, preferring an environment variable over an interactive prompt.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase once and caches the result, so a
// command that unlocks several keys prompts at most one time.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource returns a source that consults envVar before falling back to a
// terminal prompt. An empty envVar skips the environment lookup entirely.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the passphrase, resolving it on first use.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	return s.prompt()
}

// prompt reads the passphrase from the controlling terminal with echo
// disabled. Whitespace-only input is rejected so keystores are never written
// without a real secret.
func (s *Source) prompt() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}
	fmt.Fprint(os.Stderr, "Enter keystore passphrase: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	secret := string(raw)
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return secret, nil
}
