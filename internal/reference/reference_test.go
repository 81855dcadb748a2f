package reference

import "testing"

func TestFindTokens(t *testing.T) {
	toks := FindTokens("prefix-{{ S3Bucket::bucket1a::bucketArn }}-suffix")
	if len(toks) != 1 {
		t.Fatalf("expected 1 token, got %d", len(toks))
	}
	if toks[0].Kind != "S3Bucket" || toks[0].Name != "bucket1a" || toks[0].Field != "bucketArn" {
		t.Errorf("unexpected token: %+v", toks[0])
	}
}

func TestResolvePureToken(t *testing.T) {
	outputs := Collection{"bucket1a__bucket_arn": true}
	res, err := Resolve("{{ S3Bucket::bucket1a::bucketArn }}", "bucket2", outputs, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Expression != "module.bucket1a.bucket_arn" {
		t.Errorf("Expression = %q", res.Expression)
	}
}

func TestResolveEmbedded(t *testing.T) {
	vars := Collection{"bucket1a__bucket_name": true}
	res, err := Resolve("{{ S3Bucket::bucket1a::bucketName }}-after", "bucket2", nil, vars)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := "\"${var.bucket1a__bucket_name}-after\""
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
}

func TestResolveStackVariable(t *testing.T) {
	res, err := Resolve("{{ Stack::variables::Environment }}", "bucket2", nil, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Expression != "var.stack__environment" {
		t.Errorf("Expression = %q", res.Expression)
	}
	if !res.IsStackVariable {
		t.Errorf("IsStackVariable = false, want true")
	}
}

func TestResolveNotFound(t *testing.T) {
	_, err := Resolve("{{ S3Bucket::missing::bucketArn }}", "bucket2", Collection{}, Collection{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestEmbeddedExampleFromSpec(t *testing.T) {
	outputs := Collection{"bucket1a__bucket_arn": true}
	res, err := Resolve("prefix-{{ S3Bucket::bucket1a::bucketArn }}-suffix", "bucket2", outputs, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := "\"prefix-${module.bucket1a.bucket_arn}-suffix\""
	if res.Expression != want {
		t.Errorf("Expression = %q, want %q", res.Expression, want)
	}
}
