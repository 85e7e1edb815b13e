package untrusted

import (
	"reflect"
	"testing"

	"github.com/z80dev/lemon-sub002/internal/conversation"
)

func untrustedResult(text string) *conversation.Entry {
	return &conversation.Entry{
		ID:   "e1",
		Type: conversation.EntryToolResult,
		Role: conversation.RoleToolResult,
		Trust: conversation.TrustUntrusted,
		Content: []conversation.ContentBlock{
			{Type: conversation.BlockText, Text: text},
		},
	}
}

func TestWrapAddsSentinelAndMetadata(t *testing.T) {
	entries := []*conversation.Entry{untrustedResult("hello from the web")}
	wrapped := Wrap(entries, Options{Source: "web_fetch", SourceLabel: "Web Fetch"})

	text := wrapped[0].Content[0].Text
	if text[:len(StartSentinel)] != StartSentinel {
		t.Fatalf("missing start sentinel: %q", text)
	}
	if wrapped[0].Metadata["untrusted"] != true {
		t.Fatalf("expected untrusted=true, got %v", wrapped[0].Metadata["untrusted"])
	}
	if wrapped[0].Metadata["source"] != "web_fetch" {
		t.Fatalf("source = %v", wrapped[0].Metadata["source"])
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	entries := []*conversation.Entry{untrustedResult("hello")}
	once := Wrap(entries, Options{Source: "web_fetch"})
	twice := Wrap(once, Options{Source: "web_fetch"})

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("wrap is not idempotent:\nonce=%+v\ntwice=%+v", once[0], twice[0])
	}
}

func TestTrustedResultsPassThroughUnchanged(t *testing.T) {
	trusted := &conversation.Entry{
		ID:    "e1",
		Type:  conversation.EntryToolResult,
		Trust: conversation.TrustTrusted,
		Content: []conversation.ContentBlock{
			{Type: conversation.BlockText, Text: "plain content"},
		},
	}
	wrapped := Wrap([]*conversation.Entry{trusted}, Options{Source: "x"})
	if wrapped[0].Content[0].Text != "plain content" {
		t.Fatalf("trusted content should not be wrapped, got %q", wrapped[0].Content[0].Text)
	}
	if wrapped[0].Metadata != nil {
		t.Fatalf("trusted entries should not gain trust metadata")
	}
}

func TestNonToolResultMessagesPassThrough(t *testing.T) {
	msg := &conversation.Entry{
		ID:   "e1",
		Type: conversation.EntryMessage,
		Role: conversation.RoleUser,
		Content: []conversation.ContentBlock{
			{Type: conversation.BlockText, Text: "hi"},
		},
	}
	wrapped := Wrap([]*conversation.Entry{msg}, Options{})
	if wrapped[0].Content[0].Text != "hi" {
		t.Fatal("user message should be untouched")
	}
}

func TestCamelCaseMetadata(t *testing.T) {
	entries := []*conversation.Entry{untrustedResult("data")}
	wrapped := Wrap(entries, Options{Source: "x", SourceLabel: "X", Casing: CasingCamel})

	if _, ok := wrapped[0].Metadata["sourceLabel"]; !ok {
		t.Fatal("expected camelCase sourceLabel key")
	}
	if _, ok := wrapped[0].Metadata["source_label"]; ok {
		t.Fatal("did not expect snake_case key when camelCase requested")
	}
}

func TestWrappedFieldsFiltersEmpty(t *testing.T) {
	entries := []*conversation.Entry{
		{
			ID:    "e1",
			Type:  conversation.EntryToolResult,
			Trust: conversation.TrustUntrusted,
			Content: []conversation.ContentBlock{
				{Type: conversation.BlockText, Text: "a"},
				{Type: conversation.BlockImage, ImageURL: "http://x"},
				{Type: conversation.BlockText, Text: ""},
			},
		},
	}
	wrapped := Wrap(entries, Options{Source: "x"})
	fields, _ := wrapped[0].Metadata["wrapped_fields"].([]string)
	for _, f := range fields {
		if f == "" {
			t.Fatal("wrapped_fields should never contain empty entries")
		}
	}
}
