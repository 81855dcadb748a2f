package stack

import "testing"

func TestValidateStackExampleKnownClaims(t *testing.T) {
	ex := StackExample{
		Name: "basic",
		Claims: map[string]map[string]any{
			"bucket1": {"bucketName": "my-bucket"},
		},
	}
	if err := ValidateStackExample(ex, []string{"bucket1", "bucket2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateStackExampleUnknownClaim(t *testing.T) {
	ex := StackExample{
		Name: "basic",
		Claims: map[string]map[string]any{
			"typo": {"bucketName": "my-bucket"},
		},
	}
	if err := ValidateStackExample(ex, []string{"bucket1"}); err == nil {
		t.Fatal("expected an error for an unknown claim reference")
	}
}
