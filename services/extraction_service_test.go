package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func segmentJSON(texts ...string) string {
	var parts []string
	for i, text := range texts {
		parts = append(parts, fmt.Sprintf(`{"text":%q,"page":%d,"role":"paragraph","confidence":0.9}`, text, i+1))
	}
	return `{"segments":[` + strings.Join(parts, ",") + `]}`
}

func TestExtractTextDocumentSinglePass(t *testing.T) {
	// A CJK-dense text document: one pass, no vision call
	body := strings.Repeat("機械学習は計算機科学の一分野である。", 10)
	client := &fakeChatClient{fallback: segmentJSON(body)}
	downloader := &fakeDownloader{data: []byte(body)}

	service := NewExtractionService(client, downloader, nil)

	segments, info, err := service.Extract(context.Background(), "documents/notes.txt", "text/plain")
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if info.Passes != 1 {
		t.Errorf("passes = %d, want 1", info.Passes)
	}
	if info.OCREscalated {
		t.Error("text document must not escalate to OCR")
	}
	if client.visions != 0 {
		t.Errorf("vision calls = %d, want 0", client.visions)
	}
}

func TestExtractImageUsesSingleVisionPass(t *testing.T) {
	body := strings.Repeat("スライドの内容をここに書き起こした。", 5)
	client := &fakeChatClient{fallback: segmentJSON(body)}
	downloader := &fakeDownloader{data: []byte{0x89, 'P', 'N', 'G'}}

	service := NewExtractionService(client, downloader, nil)

	segments, info, err := service.Extract(context.Background(), "documents/slide.png", "image/png")
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if info.Passes != 1 {
		t.Errorf("passes = %d, want 1", info.Passes)
	}
	if client.visions != 1 {
		t.Errorf("vision calls = %d, want 1", client.visions)
	}
	if client.calls != 0 {
		t.Errorf("text completion calls = %d, want 0", client.calls)
	}
}

func TestExtractFailsWhenDownloadFails(t *testing.T) {
	client := &fakeChatClient{}
	downloader := &fakeDownloader{err: fmt.Errorf("failed to download file: 404")}

	service := NewExtractionService(client, downloader, nil)

	_, _, err := service.Extract(context.Background(), "documents/missing.pdf", "application/pdf")
	if err == nil {
		t.Fatal("expected error for failed download")
	}
	if !strings.Contains(err.Error(), "download") {
		t.Errorf("error should mention the download: %v", err)
	}
}

func TestShouldEscalate(t *testing.T) {
	longCJK := strings.Repeat("日本語の文章です。", 20)
	longLatin := strings.Repeat("plain latin text ", 20)
	seg := []DocumentSegment{{Text: longCJK}}

	tests := []struct {
		name      string
		segments  []DocumentSegment
		combined  string
		hasRaster bool
		want      bool
	}{
		{"no segments always escalates", nil, "", true, true},
		{"cjk-dense text with raster stays", seg, longCJK, true, false},
		{"cjk-dense text without raster stays", seg, longCJK, false, false},
		{"latin text with raster escalates", []DocumentSegment{{Text: longLatin}}, longLatin, true, true},
		{"latin text without raster stays", []DocumentSegment{{Text: longLatin}}, longLatin, false, false},
		{"short text with raster escalates", []DocumentSegment{{Text: "短い"}}, "短い", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldEscalate(tt.segments, tt.combined, tt.hasRaster); got != tt.want {
				t.Errorf("shouldEscalate(...) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterSegmentsDropsShortOnes(t *testing.T) {
	long := strings.Repeat("あ", MinSegmentRunes)
	segments := []DocumentSegment{
		{Text: long},
		{Text: "短い見出し"},
		{Text: strings.Repeat("い", MinSegmentRunes-1)},
		{Text: "  " + long + "  "},
	}

	kept := filterSegments(segments)

	if len(kept) != 2 {
		t.Fatalf("expected 2 surviving segments, got %d", len(kept))
	}
	for _, seg := range kept {
		if !strings.Contains(seg.Text, long[:3]) {
			t.Errorf("unexpected surviving segment %q", seg.Text)
		}
	}
}

func TestDecodeSegmentsHandlesFencedOutput(t *testing.T) {
	raw := "Here is the result:\n```json\n" + segmentJSON(strings.Repeat("内容", 30)) + "\n```"

	segments, err := decodeSegments(raw)
	if err != nil {
		t.Fatalf("decodeSegments returned error: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if segments[0].Page != 1 || segments[0].Role != "paragraph" {
		t.Errorf("segment metadata lost: %+v", segments[0])
	}
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"429 status", fmt.Errorf("inference API error (status 429): slow down"), true},
		{"rate limit text", fmt.Errorf("Rate limit exceeded for model"), true},
		{"server error", fmt.Errorf("inference API error (status 500): oops"), false},
		{"deadline", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRateLimitError(tt.err); got != tt.want {
				t.Errorf("isRateLimitError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
