package extract

import (
	"testing"

	"session-capture-proxy/pkg/types"
)

func TestParseCookieHeader(t *testing.T) {
	got := ParseCookieHeader(" uin=MTIz; key=a=b==;;broken; =novalue; empty=; pass_ticket=xyz ;uin=456")
	want := []types.CookieField{
		{Name: "uin", Value: "456"},
		{Name: "key", Value: "a=b=="},
		{Name: "pass_ticket", Value: "xyz"},
	}

	if len(got) != len(want) {
		t.Fatalf("Expected %d fields, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Field %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestParseCookieHeader_Empty(t *testing.T) {
	if got := ParseCookieHeader(""); len(got) != 0 {
		t.Errorf("Expected no fields, got %v", got)
	}
}
