// Package pipeline implements the request-processing pipeline (spec
// §4.6): extract device info from an incoming HTTP/TFTP/DHCP request,
// retrieve (or auto-create) the device it belongs to, update the device
// record from what was learned, and — for HTTP/TFTP — hand off to the
// matched plugin's file service. Composed once at startup from an
// extractor, a retriever, and an updater, each of which is itself built
// from the generic FirstMatch/MergeAll combinators below.
package pipeline

import "context"

// Stage is the one shape every extractor, retriever, and updater node
// implements, generalized from internal/business/routing's composite
// matcher so the same combinator algebra serves all three (spec §9
// design note, §4.6 "[ADDED]").
type Stage[In, Out any] interface {
	Run(ctx context.Context, in In) (Out, error)
}

// StageFunc adapts a plain function to Stage.
type StageFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

func (f StageFunc[In, Out]) Run(ctx context.Context, in In) (Out, error) {
	return f(ctx, in)
}

// FirstMatch runs its children in order and returns the first output Done
// accepts, short-circuiting the rest — the retriever chain's shape
// (MAC-lookup -> IP-lookup -> ... -> add-new). A child's error is
// swallowed (logged by the caller if it wants); the pipeline tolerates a
// failing stage the same way it tolerates one returning nothing. Children
// are held by value, per the spec's "each composite holds its children by
// value."
type FirstMatch[In, Out any] struct {
	Stages []Stage[In, Out]
	Done   func(Out) bool
}

func (f FirstMatch[In, Out]) Run(ctx context.Context, in In) (Out, error) {
	var zero Out
	for _, s := range f.Stages {
		out, err := s.Run(ctx, in)
		if err != nil {
			continue
		}
		if f.Done(out) {
			return out, nil
		}
	}
	return zero, nil
}

// MergeAll runs every child and folds their outputs with Merge. Used two
// ways: combining independent extractor outputs into one DeviceInfo
// (last-seen or voting), and running a sequence of updater steps that all
// mutate the same *domain.Device in place, where Merge trivially returns
// the last (identical) pointer — one combinator, two uses, matching the
// spec's "one generic combinator algebra" design note.
type MergeAll[In, Out any] struct {
	Stages []Stage[In, Out]
	Merge  func([]Out) Out
}

func (m MergeAll[In, Out]) Run(ctx context.Context, in In) (Out, error) {
	var zero Out
	outs := make([]Out, 0, len(m.Stages))
	for _, s := range m.Stages {
		out, err := s.Run(ctx, in)
		if err != nil {
			continue
		}
		outs = append(outs, out)
	}
	if len(outs) == 0 {
		return zero, nil
	}
	return m.Merge(outs), nil
}
