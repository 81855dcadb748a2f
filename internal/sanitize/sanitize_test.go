package sanitize

import (
	"encoding/json"
	"testing"

	"github.com/infraweave-io/infraweave/internal/domain"
	"github.com/infraweave-io/infraweave/internal/value"
)

func obj(fields ...value.ObjectField) value.Value { return value.Object(fields) }
func f(k string, v value.Value) value.ObjectField { return value.ObjectField{Key: k, Value: v} }

func TestClassifyAction(t *testing.T) {
	cases := []struct {
		in   []string
		want domain.ResourceAction
	}{
		{[]string{"create"}, domain.ActionCreate},
		{[]string{"delete"}, domain.ActionDelete},
		{[]string{"delete", "create"}, domain.ActionReplace},
		{[]string{"update"}, domain.ActionUpdate},
		{[]string{"no-op"}, domain.ActionNoOp},
		{[]string{}, domain.ActionNoOp},
	}
	for _, c := range cases {
		if got := ClassifyAction(c.in); got != c.want {
			t.Errorf("ClassifyAction(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSanitizeUpdateSensitiveAndUnknown(t *testing.T) {
	before := obj(f("password", value.String("old")))
	after := obj(f("password", value.String("new")), f("computed_id", value.Null()))
	beforeSensitive := obj(f("password", value.Bool(true)))
	afterSensitive := obj(f("password", value.Bool(true)))
	afterUnknown := obj(f("computed_id", value.Bool(true)))

	raw := RawResourceChange{
		Address: "aws_s3_bucket.example",
		Actions: []string{"update"},
		Before:  before, After: after,
		AfterUnknown:    afterUnknown,
		BeforeSensitive: beforeSensitive,
		AfterSensitive:  afterSensitive,
	}

	out, err := Sanitize([]RawResourceChange{raw})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 change, got %d", len(out))
	}
	sc := out[0]
	if sc.Action != domain.ActionUpdate {
		t.Fatalf("action = %v, want update", sc.Action)
	}
	pw, ok := sc.Changes["password"]
	if !ok {
		t.Fatalf("missing password change")
	}
	if s, _ := pw.Before.AsString(); s != "[REDACTED]" {
		t.Errorf("password.before = %q, want [REDACTED]", s)
	}
	if s, _ := pw.After.AsString(); s != "[REDACTED]" {
		t.Errorf("password.after = %q, want [REDACTED]", s)
	}
	if pw.AfterUnknown {
		t.Errorf("password.after_unknown = true, want false")
	}
	cid, ok := sc.Changes["computed_id"]
	if !ok {
		t.Fatalf("missing computed_id change")
	}
	if !cid.Before.IsNull() || !cid.After.IsNull() {
		t.Errorf("computed_id before/after should be null")
	}
	if !cid.AfterUnknown {
		t.Errorf("computed_id.after_unknown = false, want true")
	}
}

func TestSanitizeCreateRetainsAfterOnly(t *testing.T) {
	raw := RawResourceChange{
		Address: "aws_s3_bucket.example",
		Actions: []string{"create"},
		After:   obj(f("bucket_name", value.String("my-bucket"))),
	}
	out, err := Sanitize([]RawResourceChange{raw})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if out[0].Before != nil {
		t.Errorf("create should not retain before")
	}
	if out[0].After == nil {
		t.Fatalf("create should retain after")
	}
}

func TestSanitizeCreateDropsFullySensitiveAfter(t *testing.T) {
	raw := RawResourceChange{
		Address:        "aws_secretsmanager_secret.example",
		Actions:        []string{"create"},
		After:          obj(f("secret_string", value.String("my-secret"))),
		AfterSensitive: value.Bool(true),
	}
	out, err := Sanitize([]RawResourceChange{raw})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if out[0].After != nil {
		t.Errorf("after = %+v, want nil (entire value sensitive)", out[0].After)
	}
}

func TestSanitizeDeleteDropsFullySensitiveBefore(t *testing.T) {
	raw := RawResourceChange{
		Address:         "aws_secretsmanager_secret.example",
		Actions:         []string{"delete"},
		Before:          obj(f("secret_string", value.String("my-secret"))),
		BeforeSensitive: value.Bool(true),
	}
	out, err := Sanitize([]RawResourceChange{raw})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if out[0].Before != nil {
		t.Errorf("before = %+v, want nil (entire value sensitive)", out[0].Before)
	}
}

func TestSanitizeCreateDropsOnlySensitiveKeys(t *testing.T) {
	raw := RawResourceChange{
		Address: "aws_db_instance.example",
		Actions: []string{"create"},
		After: obj(
			f("password", value.String("hunter2")),
			f("identifier", value.String("my-db")),
		),
		AfterSensitive: obj(f("password", value.Bool(true))),
	}
	out, err := Sanitize([]RawResourceChange{raw})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if out[0].After == nil {
		t.Fatalf("expected after to survive with the non-sensitive key")
	}
	if _, ok := out[0].After.Field("password"); ok {
		t.Errorf("password key should be dropped entirely, not redacted-in-place")
	}
	id, ok := out[0].After.Field("identifier")
	if !ok {
		t.Fatalf("identifier key should survive")
	}
	if s, _ := id.AsString(); s != "my-db" {
		t.Errorf("identifier = %q, want my-db", s)
	}
}

func TestDependsOnChange(t *testing.T) {
	before := []string{"a", "b", "c"}
	after := []string{"b", "c", "d"}
	doc := dependsOnChange(before, after)
	if doc == nil {
		t.Fatal("expected non-nil DependsOnChange")
	}
	if len(doc.Added) != 1 || doc.Added[0] != "d" {
		t.Errorf("added = %v, want [d]", doc.Added)
	}
	if len(doc.Removed) != 1 || doc.Removed[0] != "a" {
		t.Errorf("removed = %v, want [a]", doc.Removed)
	}
	if len(doc.Unchanged) != 2 || doc.Unchanged[0] != "b" || doc.Unchanged[1] != "c" {
		t.Errorf("unchanged = %v, want [b c]", doc.Unchanged)
	}
}

func TestSanitizeRoundTrip(t *testing.T) {
	raw := RawResourceChange{
		Address: "aws_s3_bucket.example",
		Actions: []string{"delete"},
		Before:  obj(f("bucket_name", value.String("my-bucket"))),
	}
	out, err := Sanitize([]RawResourceChange{raw})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}

	raw2 := RawResourceChange{
		Address: "aws_s3_bucket.example",
		Actions: []string{"update"},
		Before:  obj(f("tags", value.Object(nil))),
		After:   obj(f("tags", obj(f("env", value.String("prod"))))),
	}
	out2, err := Sanitize([]RawResourceChange{raw2})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	full := append(out, out2...)

	b, err := json.Marshal(full)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back []domain.SanitizedResourceChange
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(back) != len(full) {
		t.Fatalf("round trip length mismatch: got %d want %d", len(back), len(full))
	}
	for i := range full {
		if full[i].Address != back[i].Address || full[i].Action != back[i].Action {
			t.Errorf("round trip mismatch at %d: %+v vs %+v", i, full[i], back[i])
		}
	}
}
