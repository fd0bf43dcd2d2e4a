// Package challenge gates overrides behind a task the user must complete.
// The task itself is opaque; only its outcome matters.
package challenge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
)

// Outcome is the result of presenting a challenge.
type Outcome int

const (
	Abandoned Outcome = iota
	Success
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "abandoned"
}

// Provider presents a challenge for a resource and reports the outcome.
type Provider interface {
	Present(ctx context.Context, resource string) (Outcome, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, resource string) (Outcome, error)

func (f Func) Present(ctx context.Context, resource string) (Outcome, error) {
	return f(ctx, resource)
}

const codeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// Prompt asks the user to type back a random code on a terminal.
type Prompt struct {
	In     io.Reader
	Out    io.Writer
	Length int // default 12

	// Code generates the code to type. Nil uses a random one.
	Code func(n int) string
}

// Present implements Provider. End of input or a cancelled context is an
// abandoned challenge.
func (p *Prompt) Present(ctx context.Context, resource string) (Outcome, error) {
	n := p.Length
	if n <= 0 {
		n = 12
	}
	gen := p.Code
	if gen == nil {
		gen = randomCode
	}
	code := gen(n)

	if _, err := fmt.Fprintf(p.Out, "To unlock %s, type the code below and press enter:\n\n    %s\n\n> ", resource, code); err != nil {
		return Abandoned, fmt.Errorf("write prompt: %w", err)
	}

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(p.In)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	select {
	case <-ctx.Done():
		return Abandoned, nil
	case line, ok := <-lines:
		if ok && strings.EqualFold(strings.TrimSpace(line), code) {
			return Success, nil
		}
		return Abandoned, nil
	}
}

func randomCode(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}
