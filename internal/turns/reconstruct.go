package turns

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kynetic-ai/kbot/internal/kerrors"
	"github.com/kynetic-ai/kbot/internal/sessionstore"
)

// Reconstructor materializes conversation content from a session's event
// log on demand, so conversations never need to duplicate what the session
// store already persists.
type Reconstructor struct {
	source EventSource
	opts   Options
}

// New builds a Reconstructor reading from source.
func New(source EventSource, opts Options) *Reconstructor {
	if opts.InputBudget <= 0 {
		opts.InputBudget = DefaultOptions().InputBudget
	}
	if opts.OutputBudget <= 0 {
		opts.OutputBudget = DefaultOptions().OutputBudget
	}
	return &Reconstructor{source: source, opts: opts}
}

type promptData struct {
	Content string `json:"content"`
}

type sessionUpdateData struct {
	UpdateType string `json:"update_type"`
	Payload    struct {
		Content struct {
			Text string `json:"text"`
		} `json:"content"`
		ToolCallID string `json:"tool_call_id"`
		Kind       string `json:"kind"`
		Input      string `json:"input"`
		Status     string `json:"status"`
		Detail     string `json:"detail"`
	} `json:"payload"`
}

type toolCallData struct {
	CallID  string `json:"call_id"`
	TraceID string `json:"trace_id"`
	Kind    string `json:"kind"`
	Input   string `json:"input"`
}

type toolResultData struct {
	CallID  string `json:"call_id"`
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
	Detail  string `json:"detail"`
}

type toolPair struct {
	kind     string
	input    string
	status   string
	detail   string
	callSeq  int
	resolved bool
	resolvedSeq int
}

// Reconstruct implements reconstruct_content: read events in [start_seq,
// end_seq], order by seq, and render event text in order, substituting
// gap markers for missing seqs.
func (r *Reconstructor) Reconstruct(sessionID string, rng Range) (Result, error) {
	if sessionID == "" {
		return Result{}, kerrors.Field("session_id", "session_id is required")
	}
	if rng.EndSeq < rng.StartSeq {
		return Result{}, kerrors.Field("event_range", "end_seq must be >= start_seq")
	}

	until := rng.EndSeq
	events, err := r.source.ReadEventsSince(sessionID, rng.StartSeq, &until)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read events for reconstruction: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	present := make(map[int]bool, len(events))
	for _, ev := range events {
		present[ev.Seq] = true
	}

	linesBySeq := make(map[int][]string)
	updatePairs := make(map[string]*toolPair)
	directPairs := make(map[string]*toolPair)

	for _, ev := range events {
		switch ev.Type {
		case sessionstore.EventPromptSent, sessionstore.EventMessageChunk:
			var d promptData
			if err := json.Unmarshal(ev.Data, &d); err == nil && d.Content != "" {
				linesBySeq[ev.Seq] = append(linesBySeq[ev.Seq], d.Content)
			}
		case sessionstore.EventSessionUpdate:
			r.handleSessionUpdate(ev, updatePairs, linesBySeq)
		case sessionstore.EventToolCall:
			if !r.opts.SummarizeTools {
				continue
			}
			var d toolCallData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				continue
			}
			key := toolKey(d.CallID, d.TraceID)
			directPairs[key] = &toolPair{kind: d.Kind, input: d.Input, callSeq: ev.Seq}
		case sessionstore.EventToolResult:
			if !r.opts.SummarizeTools {
				continue
			}
			var d toolResultData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				continue
			}
			key := toolKey(d.CallID, d.TraceID)
			pair, ok := directPairs[key]
			if !ok {
				pair = &toolPair{callSeq: ev.Seq}
				directPairs[key] = pair
			}
			pair.status = d.Status
			pair.detail = d.Detail
			pair.resolved = true
			pair.resolvedSeq = ev.Seq
		}
	}

	for _, pair := range directPairs {
		pos := pair.callSeq
		if pair.resolved {
			pos = pair.resolvedSeq
		}
		linesBySeq[pos] = append(linesBySeq[pos], r.renderToolLine(pair))
	}

	var b strings.Builder
	expected := rng.EndSeq - rng.StartSeq + 1
	eventsRead := len(events)
	eventsMissing := expected - eventsRead
	hasGaps := eventsMissing > 0

	if eventsRead == 0 {
		b.WriteString("[gap: all events missing]")
	} else {
		gapStart := -1
		for seq := rng.StartSeq; seq <= rng.EndSeq; seq++ {
			if present[seq] {
				if gapStart >= 0 {
					writeGapMarker(&b, gapStart, seq-1)
					gapStart = -1
				}
				for _, line := range linesBySeq[seq] {
					if b.Len() > 0 {
						b.WriteByte('\n')
					}
					b.WriteString(line)
				}
				continue
			}
			if gapStart < 0 {
				gapStart = seq
			}
		}
		if gapStart >= 0 {
			writeGapMarker(&b, gapStart, rng.EndSeq)
		}
	}

	result := Result{
		Content:       b.String(),
		HasGaps:       hasGaps,
		EventsRead:    eventsRead,
		EventsMissing: eventsMissing,
	}

	if hasGaps && r.opts.Logger != nil {
		r.opts.Logger.Printf("turns: session %s range [%d,%d] missing %d of %d expected events",
			sessionID, rng.StartSeq, rng.EndSeq, eventsMissing, expected)
	}
	if r.opts.OnCompleted != nil {
		r.opts.OnCompleted(sessionID, result)
	}
	return result, nil
}

func (r *Reconstructor) handleSessionUpdate(ev sessionstore.SessionEvent, pairs map[string]*toolPair, linesBySeq map[int][]string) {
	var d sessionUpdateData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return
	}
	switch d.UpdateType {
	case "agent_message_chunk":
		if d.Payload.Content.Text != "" {
			linesBySeq[ev.Seq] = append(linesBySeq[ev.Seq], d.Payload.Content.Text)
		}
	case "tool_call":
		if !r.opts.SummarizeTools {
			return
		}
		pairs[d.Payload.ToolCallID] = &toolPair{kind: d.Payload.Kind, input: d.Payload.Input, callSeq: ev.Seq}
	case "tool_call_update":
		if !r.opts.SummarizeTools {
			return
		}
		pair, ok := pairs[d.Payload.ToolCallID]
		if !ok {
			pair = &toolPair{callSeq: ev.Seq}
			pairs[d.Payload.ToolCallID] = pair
		}
		pair.status = d.Payload.Status
		pair.detail = d.Payload.Detail
		pair.resolved = true
		pair.resolvedSeq = ev.Seq
		linesBySeq[ev.Seq] = append(linesBySeq[ev.Seq], r.renderToolLine(pair))
		delete(pairs, d.Payload.ToolCallID)
	}
}

func toolKey(callID, traceID string) string {
	if callID != "" {
		return callID
	}
	return traceID
}

func (r *Reconstructor) renderToolLine(p *toolPair) string {
	status := p.status
	if status == "" {
		status = "pending"
	}
	input := r.truncateInput(p.kind, p.input)
	line := fmt.Sprintf("[tool: %s | %s | %s", p.kind, input, status)
	if p.detail != "" {
		line += " | " + truncateTail(p.detail, r.opts.OutputBudget)
	}
	return line + "]"
}

func (r *Reconstructor) truncateInput(kind, input string) string {
	if isPathLikeKind(kind) {
		return truncateHead(input, r.opts.InputBudget)
	}
	return truncateTail(input, r.opts.InputBudget)
}

func isPathLikeKind(kind string) bool {
	k := strings.ToLower(kind)
	return strings.Contains(k, "file") || strings.Contains(k, "path") || strings.Contains(k, "dir")
}

// truncateHead preserves the tail of s (e.g. a filename) when it exceeds
// budget, prefixing an ellipsis.
func truncateHead(s string, budget int) string {
	if len(s) <= budget || budget <= 3 {
		return s
	}
	return "..." + s[len(s)-(budget-3):]
}

// truncateTail preserves the head of s (e.g. a command name) when it
// exceeds budget, suffixing an ellipsis.
func truncateTail(s string, budget int) string {
	if len(s) <= budget || budget <= 3 {
		return s
	}
	return s[:budget-3] + "..."
}

func writeGapMarker(b *strings.Builder, from, to int) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	if from == to {
		fmt.Fprintf(b, "[gap: event %d missing]", from)
		return
	}
	fmt.Fprintf(b, "[gap: events %d-%d missing]", from, to)
}
