package telephony

import (
	"strings"
	"testing"
)

func TestRenderMessage(t *testing.T) {
	xml, err := RenderMessage("Reply 1, 2 or 3 & we'll book it")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if want := "<Message>"; !strings.Contains(xml, want) {
		t.Fatalf("expected %q in xml: %s", want, xml)
	}
	if !strings.Contains(xml, "&amp;") {
		t.Fatalf("expected escaped body: %s", xml)
	}
}

func TestRenderMessageEmpty(t *testing.T) {
	xml, err := RenderMessage("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Contains(xml, "<Message") {
		t.Fatalf("expected no message verb: %s", xml)
	}
}
