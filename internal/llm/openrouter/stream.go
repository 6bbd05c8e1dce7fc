package openrouter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kalambet/lectern/internal/llm"
)

// readStream consumes an SSE chat completion stream, forwarding content
// deltas and assembling tool calls from their fragments. The partial
// response is returned alongside any error.
func readStream(r io.Reader, onDelta func(string)) (llm.Response, error) {
	var content strings.Builder
	calls := map[int]*llm.ToolCall{}
	var resp llm.Response

	finish := func() llm.Response {
		resp.Content = content.String()
		idx := make([]int, 0, len(calls))
		for i := range calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		resp.ToolCalls = nil
		for _, i := range idx {
			resp.ToolCalls = append(resp.ToolCalls, *calls[i])
		}
		return resp
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		// Blank lines separate events; ":" lines are keep-alive comments.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return finish(), nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return finish(), fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return finish(), &llm.StatusError{Code: chunk.Error.Code, Body: chunk.Error.Message}
		}

		for _, choice := range chunk.Choices {
			if d := choice.Delta.Content; d != "" {
				content.WriteString(d)
				if onDelta != nil {
					onDelta(d)
				}
			}
			for pos, tc := range choice.Delta.ToolCalls {
				i := pos
				if tc.Index != nil {
					i = *tc.Index
				}
				call, ok := calls[i]
				if !ok {
					call = &llm.ToolCall{}
					calls[i] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
			}
			if choice.FinishReason != nil {
				resp.FinishReason = *choice.FinishReason
			}
		}
	}
	if err := sc.Err(); err != nil {
		return finish(), fmt.Errorf("reading stream: %w", err)
	}
	// Some providers close the stream without [DONE].
	return finish(), nil
}
