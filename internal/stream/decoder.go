// Package stream decodes the chunked chat response into content snapshots.
//
// The payload is newline-separated frames, each prefixed with "data: " and
// carrying one JSON object. Lines without the prefix and frames with
// malformed JSON are skipped, never fatal; skips are counted so callers and
// tests can observe them. Content accumulates by concatenation and every
// accumulation produces a full snapshot for replace-in-place rendering, so
// the rendered content only ever grows within one stream.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/pkg/types"
)

// dataPrefix marks a frame-bearing line.
const dataPrefix = "data:"

// SkipReason classifies a dropped line or frame.
type SkipReason string

const (
	SkipNoPrefix    SkipReason = "no_prefix"
	SkipBadJSON     SkipReason = "bad_json"
	SkipUnknownType SkipReason = "unknown_type"
)

// Result is the outcome of decoding one stream.
type Result struct {
	// Content is the accumulated assistant text. Empty content is legal
	// here; substituting a fallback notice is the consumer's concern.
	Content string
	// SessionID is the authoritative id from the metadata frame, if any.
	SessionID string
	// ServerMessageID is the server-assigned assistant message id, if any.
	ServerMessageID string
	// ErrorDetail is the detail of the last error frame, if any.
	ErrorDetail string
	// Skips counts dropped lines and frames by reason.
	Skips map[SkipReason]int
}

// Snapshot receives the full accumulated content after each content frame.
type Snapshot func(content string)

// Decoder folds a frame stream into a Result.
type Decoder struct {
	onSnapshot Snapshot
}

// NewDecoder creates a decoder. onSnapshot may be nil.
func NewDecoder(onSnapshot Snapshot) *Decoder {
	return &Decoder{onSnapshot: onSnapshot}
}

// Decode consumes r until a done content frame, stream exhaustion, or a
// read error. The returned Result is valid even when an error is returned;
// it reflects everything decoded before the failure.
func (d *Decoder) Decode(ctx context.Context, r io.Reader) (*Result, error) {
	result := &Result{Skips: make(map[SkipReason]int)}

	var content strings.Builder
	reader := bufio.NewReader(r)

	for {
		select {
		case <-ctx.Done():
			result.Content = content.String()
			return result, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if done := d.decodeLine(line, result, &content); done {
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Content = content.String()
			return result, err
		}
	}

	result.Content = content.String()
	return result, nil
}

// decodeLine handles one raw line and reports whether the stream is done.
func (d *Decoder) decodeLine(line string, result *Result, content *strings.Builder) bool {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, dataPrefix) {
		result.Skips[SkipNoPrefix]++
		return false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		result.Skips[SkipNoPrefix]++
		return false
	}

	var frame types.StreamFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		result.Skips[SkipBadJSON]++
		logging.Debug().Err(err).Msg("dropping malformed stream frame")
		return false
	}

	switch frame.Type {
	case types.FrameContent:
		if frame.Content != "" {
			content.WriteString(frame.Content)
			if d.onSnapshot != nil {
				d.onSnapshot(content.String())
			}
		}
		return frame.Done

	case types.FrameMetadata:
		if frame.SessionID != "" {
			result.SessionID = frame.SessionID
		}
		if frame.ServerMessageID != "" {
			result.ServerMessageID = frame.ServerMessageID
		}
		return false

	case types.FrameError:
		result.ErrorDetail = frame.Detail
		return false

	default:
		result.Skips[SkipUnknownType]++
		return false
	}
}
