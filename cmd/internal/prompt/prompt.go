// Package prompt asks the tenant questions on the terminal.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when a question needs an answer but stdin is
// not a terminal.
var ErrNotInteractive = errors.New("prompt: no terminal available")

// Asker answers yes/no and free text questions.
type Asker interface {
	Confirm(question string) (bool, error)
	Line(label string) (string, error)
}

// Terminal reads answers line by line.
type Terminal struct {
	reader      *bufio.Reader
	out         io.Writer
	interactive bool
}

// NewTerminal prompts on out and reads from in. Every question fails with
// ErrNotInteractive when in is not a terminal, so piped input is never
// mistaken for consent.
func NewTerminal(in *os.File, out io.Writer) *Terminal {
	return &Terminal{
		reader:      bufio.NewReader(in),
		out:         out,
		interactive: in != nil && term.IsTerminal(int(in.Fd())),
	}
}

// NewScripted answers questions from in regardless of whether it is a
// terminal.
func NewScripted(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{reader: bufio.NewReader(in), out: out, interactive: true}
}

// Confirm asks a yes/no question. Anything but y or yes is a no.
func (t *Terminal) Confirm(question string) (bool, error) {
	answer, err := t.ask(question + " [y/N]: ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// Line asks for a non-empty line of text.
func (t *Terminal) Line(label string) (string, error) {
	answer, err := t.ask(label + ": ")
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", fmt.Errorf("prompt: %s cannot be empty", strings.ToLower(label))
	}
	return answer, nil
}

func (t *Terminal) ask(text string) (string, error) {
	if !t.interactive {
		return "", ErrNotInteractive
	}
	fmt.Fprint(t.out, text)
	line, err := t.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("prompt: no answer: %w", err)
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
