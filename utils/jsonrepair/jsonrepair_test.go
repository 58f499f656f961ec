package jsonrepair

import (
	"encoding/json"
	"reflect"
	"testing"
)

type qaResponse struct {
	ParseFailed bool     `json:"parse_failed"`
	QAPairs     []qaPair `json:"qa_pairs"`
}

type qaPair struct {
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Quality  float64 `json:"quality_score"`
}

func TestDecodeWellFormedIsIdempotent(t *testing.T) {
	original := qaResponse{
		QAPairs: []qaPair{
			{Question: "什么是机器学习？", Answer: "一种统计手法。", Quality: 0.9},
			{Question: "Second?", Answer: "Yes.", Quality: 0.42},
		},
	}
	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatal(err)
	}

	var decoded qaResponse
	level, err := Decode(string(raw), &decoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if level != LevelDirect {
		t.Errorf("level = %v, want direct for well-formed input", level)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Errorf("round trip mismatch: %+v != %+v", original, decoded)
	}
}

func TestDecodeStripsFenceAndProse(t *testing.T) {
	raw := "Sure! Here is the JSON you asked for:\n```json\n{\"qa_pairs\": [{\"question\": \"Q1\", \"answer\": \"A1\", \"quality_score\": 0.8}]}\n```\nLet me know if you need anything else."

	var decoded qaResponse
	level, err := Decode(raw, &decoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if level != LevelDirect {
		t.Errorf("level = %v, want direct (stripping is not a repair)", level)
	}
	if len(decoded.QAPairs) != 1 || decoded.QAPairs[0].Question != "Q1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

// Scenario: prose + code fence + a missing comma between two objects must be
// recovered by the structural layer and yield the expected pair count.
func TestDecodeMissingCommaBetweenObjects(t *testing.T) {
	raw := "Here are your questions:\n```json\n" +
		`{"qa_pairs": [` +
		`{"question": "Q1", "answer": "A1", "quality_score": 0.9}` + "\n" +
		`{"question": "Q2", "answer": "A2", "quality_score": 0.8}` +
		`]}` + "\n```"

	var decoded qaResponse
	level, err := Decode(raw, &decoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if level != LevelStructural {
		t.Errorf("level = %v, want structural", level)
	}
	if len(decoded.QAPairs) != 2 {
		t.Fatalf("got %d pairs, want 2: %+v", len(decoded.QAPairs), decoded)
	}
	if decoded.QAPairs[1].Question != "Q2" {
		t.Errorf("second pair = %+v", decoded.QAPairs[1])
	}
}

func TestDecodeTrailingComma(t *testing.T) {
	raw := `{"qa_pairs": [{"question": "Q", "answer": "A", "quality_score": 0.5},]}`

	var decoded qaResponse
	level, err := Decode(raw, &decoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if level != LevelStructural {
		t.Errorf("level = %v, want structural", level)
	}
	if len(decoded.QAPairs) != 1 {
		t.Errorf("got %d pairs, want 1", len(decoded.QAPairs))
	}
}

func TestDecodeRawNewlineInString(t *testing.T) {
	raw := "{\"qa_pairs\": [{\"question\": \"line one\nline two\", \"answer\": \"A\", \"quality_score\": 0.6}]}"

	var decoded qaResponse
	level, err := Decode(raw, &decoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if level != LevelEscapes {
		t.Errorf("level = %v, want escapes", level)
	}
	if decoded.QAPairs[0].Question != "line one\nline two" {
		t.Errorf("question = %q", decoded.QAPairs[0].Question)
	}
}

func TestDecodeBareKeys(t *testing.T) {
	raw := `{qa_pairs: [{question: "Q", answer: "A", quality_score: 0.7}]}`

	var decoded qaResponse
	level, err := Decode(raw, &decoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if level != LevelQuoting {
		t.Errorf("level = %v, want quoting", level)
	}
	if decoded.QAPairs[0].Quality != 0.7 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecodeStrayBackslash(t *testing.T) {
	raw := `{"qa_pairs": [{"question": "path C:\quiz", "answer": "A", "quality_score": 0.5}]}`

	var decoded qaResponse
	level, err := Decode(raw, &decoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if level != LevelAggressive {
		t.Errorf("level = %v, want aggressive", level)
	}
	if decoded.QAPairs[0].Question != `path C:\quiz` {
		t.Errorf("question = %q", decoded.QAPairs[0].Question)
	}
}

// Scenario: irrecoverably corrupt output that still names a known list key
// falls back to a reconstruction placeholder with zero real items.
func TestDecodeReconstruction(t *testing.T) {
	raw := `The model failed badly "qa_pairs": [ {{{ 0.3 :::: broken beyond repair`

	var decoded qaResponse
	level, err := Decode(raw, &decoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if level != LevelReconstructed {
		t.Errorf("level = %v, want reconstructed", level)
	}
	if !decoded.ParseFailed {
		t.Error("placeholder must be marked parse_failed")
	}
	if len(decoded.QAPairs) != 0 {
		t.Errorf("placeholder must contain zero items, got %d", len(decoded.QAPairs))
	}
}

func TestDecodeNoJSONAtAllFails(t *testing.T) {
	var decoded qaResponse
	if _, err := Decode("I cannot help with that.", &decoded); err == nil {
		t.Fatal("expected error for response with no JSON and no known keys")
	}
}

// DecodeWithFallback must never fail for any non-empty input.
func TestDecodeWithFallbackNeverFails(t *testing.T) {
	inputs := []string{
		"garbage",
		"{{{{",
		"```json\nnot json\n```",
		`{"qa_pairs": [{"question": "ok", "answer": "ok", "quality_score": 1}]}`,
		"\\\\\\",
		"null",
	}
	for _, raw := range inputs {
		var decoded qaResponse
		level := DecodeWithFallback(raw, &decoded, `{"qa_pairs": []}`)
		if level < LevelDirect || level > LevelFallback {
			t.Errorf("input %q: unexpected level %v", raw, level)
		}
	}
}

func TestRepairLevelString(t *testing.T) {
	if LevelStructural.String() != "structural" || LevelFallback.String() != "fallback" {
		t.Error("repair level names wrong")
	}
}
