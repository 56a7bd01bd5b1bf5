package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_TextOutput(t *testing.T) {
	t.Run("emits event with all fields", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		event := Event{
			RunID:  "run-scf-001",
			Seq:    1,
			NodeID: "3",
			Msg:    "SOk",
			Meta: map[string]interface{}{
				"returncode": 0,
			},
		}

		emitter.Emit(event)

		output := buf.String()
		if output == "" {
			t.Fatal("expected output, got empty string")
		}

		if !strings.Contains(output, "run-scf-001") {
			t.Errorf("expected output to contain RunID 'run-scf-001', got: %s", output)
		}
		if !strings.Contains(output, "nodeID=3") {
			t.Errorf("expected output to contain nodeID=3, got: %s", output)
		}
		if !strings.Contains(output, "SOk") {
			t.Errorf("expected output to contain Msg 'SOk', got: %s", output)
		}
	})

	t.Run("emits multiple events", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{RunID: "run-001", Seq: 1, NodeID: "1", Msg: "SRun"})
		emitter.Emit(Event{RunID: "run-001", Seq: 2, NodeID: "1", Msg: "SOk"})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Errorf("expected 2 lines of output, got %d", len(lines))
		}
	})
}

func TestLogEmitter_JSONOutput(t *testing.T) {
	t.Run("emits valid JSON when JSON mode enabled", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, true)

		event := Event{
			RunID:  "run-gw-002",
			Seq:    2,
			NodeID: "1",
			Msg:    "SError",
			Meta: map[string]interface{}{
				"returncode": 1,
			},
		}

		emitter.Emit(event)

		var parsed map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
			t.Fatalf("expected valid JSON, got error: %v\noutput: %s", err, buf.String())
		}

		if parsed["runID"] != "run-gw-002" {
			t.Errorf("expected runID 'run-gw-002', got %v", parsed["runID"])
		}
		if parsed["seq"] != float64(2) {
			t.Errorf("expected seq 2, got %v", parsed["seq"])
		}
		if parsed["msg"] != "SError" {
			t.Errorf("expected msg 'SError', got %v", parsed["msg"])
		}

		meta, ok := parsed["meta"].(map[string]interface{})
		if !ok {
			t.Fatal("expected meta to be a map")
		}
		if meta["returncode"] != float64(1) {
			t.Errorf("expected returncode 1, got %v", meta["returncode"])
		}
	})

	t.Run("emits multiple JSON events on separate lines", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, true)

		emitter.Emit(Event{RunID: "run-001", Seq: 1, NodeID: "1", Msg: "SRun"})
		emitter.Emit(Event{RunID: "run-001", Seq: 2, NodeID: "1", Msg: "SOk"})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Errorf("expected 2 lines of JSON, got %d", len(lines))
		}
		for i, line := range lines {
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(line), &parsed); err != nil {
				t.Errorf("line %d: expected valid JSON, got error: %v\nline: %s", i, err, line)
			}
		}
	})
}

func TestLogEmitter_EmitBatchMatchesEmit(t *testing.T) {
	events := []Event{
		{RunID: "run-001", Seq: 1, NodeID: "1", Msg: "SRun"},
		{RunID: "run-001", Seq: 2, NodeID: "1", Msg: "SOk"},
	}

	var bufEmit, bufBatch bytes.Buffer
	e1 := NewLogEmitter(&bufEmit, false)
	for _, ev := range events {
		e1.Emit(ev)
	}

	e2 := NewLogEmitter(&bufBatch, false)
	if err := e2.EmitBatch(nil, events); err != nil {
		t.Fatalf("EmitBatch returned error: %v", err)
	}

	if bufEmit.String() != bufBatch.String() {
		t.Errorf("EmitBatch output differs from repeated Emit calls:\nEmit:  %q\nBatch: %q", bufEmit.String(), bufBatch.String())
	}
}

func TestLogEmitter_FlushIsNoop(t *testing.T) {
	emitter := NewLogEmitter(&bytes.Buffer{}, false)
	if err := emitter.Flush(nil); err != nil {
		t.Errorf("expected Flush to return nil, got %v", err)
	}
}

func TestLogEmitter_InterfaceContract(t *testing.T) {
	var buf bytes.Buffer
	var _ Emitter = NewLogEmitter(&buf, false)
}
