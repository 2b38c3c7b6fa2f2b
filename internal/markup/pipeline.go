package markup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Pipeline turns a buffered document into its transformed serialization.
// A Pipeline holds no per-document state and is safe for concurrent use.
type Pipeline struct {
	limits Limits
	logger *slog.Logger
}

// NewPipeline creates a Pipeline. Zero fields in lim are unlimited.
func NewPipeline(lim Limits, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		limits: lim,
		logger: logger.With("component", "markup_pipeline"),
	}
}

// Limits returns the pipeline's limits.
func (p *Pipeline) Limits() Limits { return p.limits }

// maxPreallocate caps how much of a declared length is allocated before any
// bytes arrive.
const maxPreallocate = 1 << 20

// Buffer reads r to the end, holding at most MaxBodyBytes+1 bytes. A declared
// length (-1 when unknown) above the limit is rejected before reading.
func (p *Pipeline) Buffer(r io.Reader, declared int64) ([]byte, error) {
	limit := p.limits.MaxBodyBytes
	if limit > 0 && declared > limit {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrBodyTooLarge, declared, limit)
	}

	var buf bytes.Buffer
	if declared > 0 {
		buf.Grow(int(min(declared, maxPreallocate)))
	}
	if limit <= 0 {
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return buf.Bytes(), nil
	}

	n, err := buf.ReadFrom(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return buf.Bytes(), nil
}

// Result is the outcome of a successful Process call.
type Result struct {
	Body  []byte
	Stats Stats
}

// Process parses src, runs tr over every element, applies inject and
// serializes the result. A nil tr behaves as Identity. Panics raised while
// processing are returned as ErrTransform.
func (p *Pipeline) Process(ctx context.Context, src []byte, tr Transformer, inject ...Injector) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("%w: panic: %v", ErrTransform, r)
		}
	}()

	tree, err := Parse(src, p.limits)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if tr == nil {
		tr = Identity{Logger: p.logger}
	}
	st, err := tree.Transform(tr)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrTransform, err)
	}

	var out bytes.Buffer
	out.Grow(len(src))
	if err := tree.Render(&out, inject...); err != nil {
		return Result{}, err
	}

	p.logger.Debug("document transformed",
		"nodes", st.Nodes,
		"elements", st.Elements,
		"renamed", st.Renamed,
		"marked", st.Marked,
		"bytes_in", len(src),
		"bytes_out", out.Len(),
	)
	return Result{Body: out.Bytes(), Stats: st}, nil
}

// Recoverable reports whether err means the original body should be served
// unchanged rather than failing the request.
func Recoverable(err error) bool {
	return errors.Is(err, ErrParse) || errors.Is(err, ErrTransform) || errors.Is(err, ErrSerialize)
}
