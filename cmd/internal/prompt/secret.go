package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Secret lazily resolves a credential from an environment variable or by
// prompting on the terminal without echo. The value is cached after the first
// successful retrieval.
type Secret struct {
	envVar string
	label  string
	lookup func(string) (string, bool)
	in     *os.File
	out    io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSecret constructs a Secret that checks envVar before prompting for label
// on stderr.
func NewSecret(envVar, label string) *Secret {
	return &Secret{
		envVar: strings.TrimSpace(envVar),
		label:  strings.TrimSpace(label),
		lookup: os.LookupEnv,
		in:     os.Stdin,
		out:    os.Stderr,
	}
}

// Get returns the cached secret or resolves it on the first call. A set but
// empty environment variable is an error, as is a whitespace-only answer.
func (s *Secret) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookup(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}

		if s.in == nil || !term.IsTerminal(int(s.in.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
			} else {
				s.err = fmt.Errorf("%s required and no terminal available", s.label)
			}
			return
		}

		fmt.Fprintf(s.out, "Enter %s: ", s.label)
		raw, err := term.ReadPassword(int(s.in.Fd()))
		fmt.Fprintln(s.out)
		if err != nil {
			s.err = fmt.Errorf("read %s: %w", s.label, err)
			return
		}
		value := strings.TrimSpace(string(raw))
		if value == "" {
			s.err = errors.New(s.label + " cannot be empty")
			return
		}
		s.value = value
	})

	return s.value, s.err
}
