package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"promptpilot/internal/detect"
)

// UnitFunc is the body of an execution unit. It reads requests from in, writes
// replies to out and returns when asked to stop or when ctx is cancelled.
// Returning an error, or panicking, counts as a crash.
type UnitFunc func(ctx context.Context, in <-chan Message, out chan<- Message) error

var errNotInitialized = errors.New("unit received a request before InitMsg")

// NewUnit returns the standard execution unit. It owns a private registry built
// from the patterns of its InitMsg.
func NewUnit(opts ...detect.Option) UnitFunc {
	return func(ctx context.Context, in <-chan Message, out chan<- Message) error {
		reg, err := awaitInit(ctx, in, out, opts)
		if err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-in:
				switch m := msg.(type) {
				case ScanMsg:
					if !send(ctx, out, scan(reg, m)) {
						return ctx.Err()
					}
				case RegisterMsg:
					if err := reg.Register(m.Pattern); err != nil {
						send(ctx, out, ErrorMsg{Err: err.Error()})
					}
				case UnregisterMsg:
					reg.Unregister(m.PatternID)
				case StopMsg:
					return nil
				case InitMsg:
					return errors.New("unit received a second InitMsg")
				}
			}
		}
	}
}

func awaitInit(ctx context.Context, in <-chan Message, out chan<- Message, opts []detect.Option) (*detect.Registry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-in:
		switch m := msg.(type) {
		case InitMsg:
			reg := detect.NewRegistry(opts...)
			for _, p := range m.Patterns {
				if err := reg.Register(p); err != nil {
					send(ctx, out, ErrorMsg{Err: err.Error()})
				}
			}
			if !send(ctx, out, ReadyMsg{Patterns: reg.Len()}) {
				return nil, ctx.Err()
			}
			return reg, nil
		case StopMsg:
			return nil, context.Canceled
		default:
			return nil, errNotInitialized
		}
	}
}

func scan(reg *detect.Registry, m ScanMsg) ResultMsg {
	start := time.Now()
	eval := reg.Evaluate(m.Buffer, detect.ScanOptions{Kind: m.Kind, Skip: m.Skip})

	res := ResultMsg{
		ID:       m.ID,
		Outcomes: eval.Outcomes,
		Elapsed:  time.Since(start),
	}
	if eval.Match != nil {
		res.Matches = []detect.MatchResult{*eval.Match}
	}
	if len(eval.Errors) > 0 {
		msgs := make([]string, len(eval.Errors))
		for i, e := range eval.Errors {
			msgs[i] = e.Error()
		}
		res.Error = fmt.Sprintf("%d pattern(s) failed: %s", len(msgs), strings.Join(msgs, "; "))
	}
	return res
}

func send(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// runGuarded runs a unit, converting a panic into an error.
func runGuarded(ctx context.Context, unit UnitFunc, in <-chan Message, out chan<- Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("unit panic: %v", rec)
		}
	}()
	return unit(ctx, in, out)
}
