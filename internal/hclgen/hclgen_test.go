package hclgen

import (
	"strings"
	"testing"

	"github.com/infraweave-io/infraweave/internal/domain"
)

func TestWriteModuleCallBlock(t *testing.T) {
	f := NewFile()
	err := WriteModuleCallBlock(f, "bucket2", "./s3bucket-0.0.22", map[string]string{
		"bucket_name": "\"${var.bucket1a__bucket_name}-after\"",
	}, nil)
	if err != nil {
		t.Fatalf("WriteModuleCallBlock: %v", err)
	}
	out := string(f.Bytes())
	if !strings.Contains(out, `module "bucket2"`) {
		t.Errorf("missing module block: %s", out)
	}
	if !strings.Contains(out, `bucket_name = "${var.bucket1a__bucket_name}-after"`) {
		t.Errorf("missing interpolated input: %s", out)
	}
}

func TestWriteVariableBlock(t *testing.T) {
	f := NewFile()
	if err := WriteVariableBlock(f, domain.TFVariable{Name: "bucket_name", Type: "string"}); err != nil {
		t.Fatalf("WriteVariableBlock: %v", err)
	}
	out := string(f.Bytes())
	if !strings.Contains(out, `variable "bucket_name"`) || !strings.Contains(out, "type = string") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestWriteTerraformRequiredProviders(t *testing.T) {
	f := NewFile()
	WriteTerraformRequiredProviders(f, []RequiredProviderEntry{
		{Name: "aws", Source: "hashicorp/aws", Version: "5.0.0"},
	})
	out := string(f.Bytes())
	if !strings.Contains(out, "required_providers") || !strings.Contains(out, `"hashicorp/aws"`) {
		t.Errorf("unexpected output: %s", out)
	}
}
