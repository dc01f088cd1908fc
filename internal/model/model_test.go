package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestFlexTimeUnmarshal(t *testing.T) {
	want := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

	cases := map[string]string{
		"epoch ms":        `1741082400000`,
		"epoch ms string": `"1741082400000"`,
		"rfc3339":         `"2025-03-04T10:00:00Z"`,
		"rfc1123z":        `"Tue, 04 Mar 2025 10:00:00 +0000"`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var ft FlexTime
			if err := json.Unmarshal([]byte(raw), &ft); err != nil {
				t.Fatal(err)
			}
			if !ft.Equal(want) {
				t.Fatalf("got %v, want %v", ft.Time, want)
			}
		})
	}
}

func TestFlexTimeGarbageIsZero(t *testing.T) {
	var msg RawMessage
	if err := json.Unmarshal([]byte(`{"id":"a","date":"not a date","timestamp":null}`), &msg); err != nil {
		t.Fatal(err)
	}
	if !msg.Date.IsZero() || !msg.Timestamp.IsZero() {
		t.Fatalf("expected zero times, got %v / %v", msg.Date, msg.Timestamp)
	}
}

func TestEmailEmbedsRawMessageJSON(t *testing.T) {
	var e Email
	raw := `{"id":"m1","subject":"Hi","userId":3,"threadId":"t1","isIncoming":false}`
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatal(err)
	}
	if e.ID != "m1" || e.UserID != 3 || e.ThreadID != "t1" {
		t.Fatalf("unexpected email: %+v", e)
	}
	if e.IsIncoming == nil || *e.IsIncoming {
		t.Fatal("expected explicit outgoing flag")
	}
}

func TestHeaderCaseInsensitive(t *testing.T) {
	m := RawMessage{Headers: map[string]string{"list-unsubscribe": "<mailto:x@y.z>"}}
	if m.Header("List-Unsubscribe") == "" {
		t.Fatal("expected case-insensitive header lookup")
	}
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" shopping ")
	if err != nil || c != CategoryShopping {
		t.Fatalf("got %q %v", c, err)
	}
	if _, err := ParseCategory("Groceries"); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
	if len(Categories) != 12 {
		t.Fatalf("expected 12 categories, got %d", len(Categories))
	}
}
