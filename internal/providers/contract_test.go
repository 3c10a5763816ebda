package providers

import "testing"

func TestSplitRef(t *testing.T) {
	provider, model, err := SplitRef("alpha:prime")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider != "alpha" || model != "prime" {
		t.Errorf("got %s/%s", provider, model)
	}

	// Model names may themselves contain colons.
	provider, model, err = SplitRef("compat:org/model:v2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider != "compat" || model != "org/model:v2" {
		t.Errorf("got %s/%s", provider, model)
	}

	for _, bad := range []string{"", "noseparator", ":model", "provider:"} {
		if _, _, err := SplitRef(bad); err == nil {
			t.Errorf("SplitRef(%q) should fail", bad)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	se := &StatusError{}
	se.ParseRetryAfter("60")
	if se.RetryAfterSecs != 60 {
		t.Errorf("RetryAfterSecs = %d, want 60", se.RetryAfterSecs)
	}

	se = &StatusError{}
	se.ParseRetryAfter("")
	if se.RetryAfterSecs != 0 {
		t.Errorf("RetryAfterSecs = %d, want 0", se.RetryAfterSecs)
	}

	se = &StatusError{}
	se.ParseRetryAfter("not-a-number")
	if se.RetryAfterSecs != 0 {
		t.Errorf("RetryAfterSecs = %d, want 0 for invalid value", se.RetryAfterSecs)
	}
}

func TestResponseTruncated(t *testing.T) {
	if (Response{FinishReason: FinishStop}).Truncated() {
		t.Error("stop should not be truncated")
	}
	if !(Response{FinishReason: FinishLength}).Truncated() {
		t.Error("length should be truncated")
	}
}
