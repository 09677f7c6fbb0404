package stream

import (
	"context"
	"strings"
	"testing"
)

func TestDecoder_AccumulatesContent(t *testing.T) {
	body := strings.Join([]string{
		`data: {"type":"content","content":"Hi"}`,
		`data: {"type":"content","content":" there","done":true}`,
		"",
	}, "\n")

	var snapshots []string
	d := NewDecoder(func(content string) {
		snapshots = append(snapshots, content)
	})

	result, err := d.Decode(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if result.Content != "Hi there" {
		t.Errorf("Expected content %q, got %q", "Hi there", result.Content)
	}
	want := []string{"Hi", "Hi there"}
	if len(snapshots) != len(want) {
		t.Fatalf("Expected %d snapshots, got %d: %v", len(want), len(snapshots), snapshots)
	}
	for i := range want {
		if snapshots[i] != want[i] {
			t.Errorf("Snapshot %d: expected %q, got %q", i, want[i], snapshots[i])
		}
	}
}

func TestDecoder_SnapshotsOnlyGrow(t *testing.T) {
	body := strings.Join([]string{
		`data: {"type":"content","content":"a"}`,
		`data: {"type":"content","content":"bc"}`,
		`data: {"type":"content","content":"d","done":true}`,
		"",
	}, "\n")

	var last string
	d := NewDecoder(func(content string) {
		if !strings.HasPrefix(content, last) {
			t.Errorf("Snapshot %q does not extend previous %q", content, last)
		}
		last = content
	})

	if _, err := d.Decode(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if last != "abcd" {
		t.Errorf("Expected final snapshot %q, got %q", "abcd", last)
	}
}

func TestDecoder_SkipsAreCountedNotFatal(t *testing.T) {
	body := strings.Join([]string{
		`event: ping`,
		`data: {broken`,
		`data: {"type":"telemetry"}`,
		`data: {"type":"content","content":"ok","done":true}`,
		"",
	}, "\n")

	d := NewDecoder(nil)
	result, err := d.Decode(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if result.Content != "ok" {
		t.Errorf("Expected content %q, got %q", "ok", result.Content)
	}
	if got := result.Skips[SkipNoPrefix]; got != 1 {
		t.Errorf("Expected 1 no-prefix skip, got %d", got)
	}
	if got := result.Skips[SkipBadJSON]; got != 1 {
		t.Errorf("Expected 1 bad-json skip, got %d", got)
	}
	if got := result.Skips[SkipUnknownType]; got != 1 {
		t.Errorf("Expected 1 unknown-type skip, got %d", got)
	}
}

func TestDecoder_MetadataCapturedRegardlessOfPosition(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{
			name: "before content",
			body: strings.Join([]string{
				`data: {"type":"metadata","session_id":"sess_1","message_id":"msg_1"}`,
				`data: {"type":"content","content":"hi","done":true}`,
				"",
			}, "\n"),
		},
		{
			name: "between content",
			body: strings.Join([]string{
				`data: {"type":"content","content":"h"}`,
				`data: {"type":"metadata","session_id":"sess_1","message_id":"msg_1"}`,
				`data: {"type":"content","content":"i","done":true}`,
				"",
			}, "\n"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDecoder(nil)
			result, err := d.Decode(context.Background(), strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if result.SessionID != "sess_1" {
				t.Errorf("Expected session id %q, got %q", "sess_1", result.SessionID)
			}
			if result.ServerMessageID != "msg_1" {
				t.Errorf("Expected message id %q, got %q", "msg_1", result.ServerMessageID)
			}
		})
	}
}

func TestDecoder_StopsAtDone(t *testing.T) {
	body := strings.Join([]string{
		`data: {"type":"content","content":"first","done":true}`,
		`data: {"type":"content","content":" trailing"}`,
		"",
	}, "\n")

	d := NewDecoder(nil)
	result, err := d.Decode(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if result.Content != "first" {
		t.Errorf("Expected content %q, got %q", "first", result.Content)
	}
}

func TestDecoder_EOFWithoutDone(t *testing.T) {
	body := `data: {"type":"content","content":"partial"}` + "\n"

	d := NewDecoder(nil)
	result, err := d.Decode(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if result.Content != "partial" {
		t.Errorf("Expected content %q, got %q", "partial", result.Content)
	}
}

func TestDecoder_ErrorFrameRecorded(t *testing.T) {
	body := strings.Join([]string{
		`data: {"type":"content","content":"partial"}`,
		`data: {"type":"error","detail":"model overloaded"}`,
		"",
	}, "\n")

	d := NewDecoder(nil)
	result, err := d.Decode(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if result.ErrorDetail != "model overloaded" {
		t.Errorf("Expected error detail %q, got %q", "model overloaded", result.ErrorDetail)
	}
	if result.Content != "partial" {
		t.Errorf("Expected partial content to survive, got %q", result.Content)
	}
}

func TestDecoder_ContextCancelReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	body := strings.Join([]string{
		`data: {"type":"content","content":"before"}`,
		`data: {"type":"content","content":" after","done":true}`,
		"",
	}, "\n")

	d := NewDecoder(func(content string) {
		cancel()
	})

	result, err := d.Decode(ctx, strings.NewReader(body))
	if err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if result.Content != "before" {
		t.Errorf("Expected partial content %q, got %q", "before", result.Content)
	}
}
