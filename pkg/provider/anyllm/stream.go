package anyllm

import (
	"context"
	"strings"

	"github.com/MrWong99/clausewise/pkg/aierr"
	"github.com/MrWong99/clausewise/pkg/provider"
)

// accumulator reassembles a streamed reply and tracks the terminal marker.
type accumulator struct {
	onChunk  provider.ChunkFunc
	sb       strings.Builder
	terminal bool

	// reported is the backend's own count, usually on the final chunk.
	reported *provider.Usage
}

// report records usage sent by the backend. A later report replaces an
// earlier one; an all-zero report is ignored.
func (a *accumulator) report(prompt, completion, total int) {
	if prompt == 0 && completion == 0 && total == 0 {
		return
	}
	if total == 0 {
		total = prompt + completion
	}
	a.reported = &provider.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

// usage prefers the reported count and estimates from the text otherwise.
func (a *accumulator) usage(msgs []provider.Message, text string) provider.Usage {
	if a.reported != nil {
		return *a.reported
	}
	return estimate(msgs, text)
}

// observe handles one chunk. Deltas after the terminal marker are still
// forwarded; some vendors send trailing whitespace with the finish chunk.
func (a *accumulator) observe(delta, finishReason string) error {
	if delta != "" {
		a.sb.WriteString(delta)
		if err := a.onChunk(delta); err != nil {
			return err
		}
	}
	if finishReason != "" {
		a.terminal = true
	}
	return nil
}

// finish returns the full text once the stream has drained. streamErr is the
// error reported by the backend after its chunk channel closed.
func (a *accumulator) finish(ctx context.Context, streamErr error) (string, error) {
	const op = "anyllm: stream"
	if streamErr != nil {
		return "", aierr.FromContext(op, streamErr)
	}
	if err := ctx.Err(); err != nil {
		return "", aierr.FromContext(op, err)
	}
	if !a.terminal {
		return "", aierr.New(aierr.ErrUpstream, op, "stream ended without finish reason")
	}
	return a.sb.String(), nil
}
