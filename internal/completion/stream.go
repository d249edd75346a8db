package completion

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/loomchat/loom/internal/upstream"
)

// streamState models the lifecycle of one streaming completion read.
type streamState int

const (
	stateAwaitingStream streamState = iota
	stateStreaming
	stateDone    // terminal: a data: [DONE] line arrived
	stateAborted // terminal: transport error or premature close with an error
)

// streamOutcome is everything a finished stream read produced. The caller
// decides persistence from it: non-empty content is persisted regardless of
// the terminal state, so a dropped connection never loses content the user
// already received.
type streamOutcome struct {
	state      streamState
	content    string
	usage      upstream.Usage
	upstreamID string
	err        error // set only when state is stateAborted
}

// consumeStream reads the upstream SSE byte stream line by line, forwarding
// each content delta to onDelta in arrival order. No buffering beyond the
// current line and no reordering.
func consumeStream(r io.Reader, onDelta func(delta string)) streamOutcome {
	out := streamOutcome{state: stateAwaitingStream}
	var content strings.Builder

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')

		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: "); ok {
			out.state = stateStreaming

			if data == "[DONE]" {
				out.state = stateDone
				out.content = content.String()
				return out
			}

			var chunk upstream.StreamChunk
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
				// Malformed frames are skipped; the stream continues.
				slog.Debug("skipping malformed stream chunk", "error", jsonErr)
			} else {
				// First id wins.
				if out.upstreamID == "" && chunk.ID != "" {
					out.upstreamID = chunk.ID
				}
				if chunk.Usage != nil {
					out.usage = *chunk.Usage
				}
				for _, choice := range chunk.Choices {
					if choice.Delta.Content != "" {
						content.WriteString(choice.Delta.Content)
						if onDelta != nil {
							onDelta(choice.Delta.Content)
						}
					}
				}
			}
		}

		if err == io.EOF {
			// Premature close without [DONE]: content gathered so far stands.
			out.state = stateDone
			out.content = content.String()
			return out
		}
		if err != nil {
			// Hard transport error (connection reset, timeout, cancellation).
			out.state = stateAborted
			out.content = content.String()
			out.err = err
			return out
		}
	}
}
