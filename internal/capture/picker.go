package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/audiolibrelab/screencap/internal/errors"
)

// PromptPicker prints a numbered list and reads the choice.
// An empty answer, "q" or end of input cancels.
type PromptPicker struct {
	In  io.Reader
	Out io.Writer
}

func (p *PromptPicker) Pick(ctx context.Context, targets []Target) (Target, error) {
	fmt.Fprintln(p.Out, "Choose what to share:")
	for i, t := range targets {
		fmt.Fprintf(p.Out, "  %d) %s\n", i+1, t)
	}
	fmt.Fprintf(p.Out, "Select [1-%d], empty to cancel: ", len(targets))

	type answer struct {
		line string
		err  error
	}
	answers := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		answers <- answer{line: line, err: err}
	}()

	var a answer
	select {
	case <-ctx.Done():
		return Target{}, errors.Wrap(errors.KindUserCancelled, "pick target", ctx.Err())
	case a = <-answers:
	}

	choice := strings.TrimSpace(a.line)
	if a.err != nil && (a.err != io.EOF || choice == "") {
		return Target{}, errors.Wrap(errors.KindUserCancelled, "pick target", errors.New("no selection"))
	}
	if choice == "" || strings.EqualFold(choice, "q") {
		return Target{}, errors.ErrUserCancelled
	}

	n, err := strconv.Atoi(choice)
	if err != nil || n < 1 || n > len(targets) {
		return Target{}, errors.Newf(errors.KindUserCancelled, "pick target", "invalid selection %q", choice)
	}
	return targets[n-1], nil
}

// FixedPicker picks a target by id or label without asking. With neither set
// it picks the first target of Kind, or the first target overall.
type FixedPicker struct {
	ID    string
	Label string
	Kind  SourceKind
}

func (p *FixedPicker) Pick(_ context.Context, targets []Target) (Target, error) {
	for _, t := range targets {
		if p.Kind != "" && t.Kind != p.Kind {
			continue
		}
		switch {
		case p.ID != "":
			if t.ID == p.ID {
				return t, nil
			}
		case p.Label != "":
			if strings.Contains(strings.ToLower(t.Label), strings.ToLower(p.Label)) {
				return t, nil
			}
		default:
			return t, nil
		}
	}

	want := p.ID
	if want == "" {
		want = p.Label
	}
	return Target{}, errors.Newf(errors.KindUserCancelled, "pick target", "no %s target matching %q", kindOrAny(p.Kind), want)
}

func kindOrAny(k SourceKind) string {
	if k == "" {
		return "capture"
	}
	return string(k)
}

// FirstPicker always picks the first target.
type FirstPicker struct{}

func (FirstPicker) Pick(_ context.Context, targets []Target) (Target, error) {
	if len(targets) == 0 {
		return Target{}, errors.ErrUserCancelled
	}
	return targets[0], nil
}
