package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves the wallet keystore passphrase from an environment
// variable or by prompting the operator. Only a successful answer is cached,
// so a refused prompt can be retried on the next connect.
type Source struct {
	envVar string
	stdin  int
	prompt string

	mu    sync.Mutex
	value string
	ok    bool
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), stdin: int(os.Stdin.Fd())}
}

// WithLabel names the keystore in the interactive prompt.
func (s *Source) WithLabel(label string) *Source {
	s.prompt = strings.TrimSpace(label)
	return s
}

// Get returns the cached passphrase or resolves it.
// When the environment variable is set the exact value is used; otherwise the
// operator is prompted on stderr. Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok {
		return s.value, nil
	}
	value, err := s.resolve()
	if err != nil {
		return "", err
	}
	s.value = value
	s.ok = true
	return value, nil
}

// Forget drops the cached passphrase, typically after the keystore rejected it.
func (s *Source) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = ""
	s.ok = false
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

	if !term.IsTerminal(s.stdin) {
		if s.envVar != "" {
			return "", fmt.Errorf("wallet keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("wallet keystore passphrase required and no terminal available")
	}

	label := s.prompt
	if label == "" {
		label = "keystore"
	}
	fmt.Fprintf(os.Stderr, "Unlock wallet account %s: ", label)
	bytes, err := term.ReadPassword(s.stdin)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}

	passphrase := string(bytes)
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("wallet keystore passphrase cannot be empty")
	}
	return passphrase, nil
}
