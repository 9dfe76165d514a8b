package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Source yields text fragments until it returns io.EOF. Any other error ends
// the stream abnormally.
type Source interface {
	Recv() (string, error)
	Close() error
}

// Accumulator concatenates fragments in arrival order.
type Accumulator struct {
	b         strings.Builder
	fragments int
}

// Add appends a fragment and returns the partial answer so far.
func (a *Accumulator) Add(fragment string) string {
	a.b.WriteString(fragment)
	a.fragments++
	return a.b.String()
}

func (a *Accumulator) Partial() string { return a.b.String() }

func (a *Accumulator) Final() string { return a.b.String() }

func (a *Accumulator) Fragments() int { return a.fragments }

// Consume drains src, calling onPartial after each non-empty fragment. On an
// abnormal end the partial text is dropped and only the error is returned.
func Consume(ctx context.Context, src Source, onPartial func(partial string)) (string, error) {
	defer src.Close()

	var acc Accumulator
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("stream cancelled after %d fragments: %w", acc.Fragments(), err)
		}
		fragment, err := src.Recv()
		if errors.Is(err, io.EOF) {
			return acc.Final(), nil
		}
		if err != nil {
			return "", fmt.Errorf("stream interrupted after %d fragments: %w", acc.Fragments(), err)
		}
		if fragment == "" {
			continue
		}
		partial := acc.Add(fragment)
		if onPartial != nil {
			onPartial(partial)
		}
	}
}
