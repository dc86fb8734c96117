package validation

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/GoCodeAlone/stepflow"
)

type openAccount struct {
	Name    string `json:"name,omitempty"`
	Amount  int    `json:"amount"`
	Country string `json:"country,omitempty"`
}

const accountSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name":   {"type": "string", "minLength": 2},
		"amount": {"type": "integer", "minimum": 1}
	}
}`

func TestSchemaValidator(t *testing.T) {
	v, err := NewSchemaValidator[openAccount]([]byte(accountSchema), WithSource("accounts"))
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}
	ctx := context.Background()

	if errs := v.Validate(ctx, openAccount{Name: "Ana", Amount: 10}); len(errs) != 0 {
		t.Fatalf("valid request rejected: %+v", errs)
	}

	errs := v.Validate(ctx, openAccount{Amount: 0})
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %+v", errs)
	}
	if errs[0].Property != "" || !strings.Contains(errs[0].Message, "name") {
		t.Errorf("expected root error about missing name, got %+v", errs[0])
	}
	if errs[1].Property != "amount" || errs[1].Message == "" {
		t.Errorf("expected amount error, got %+v", errs[1])
	}
	for _, e := range errs {
		if e.Source != "accounts" {
			t.Errorf("expected source accounts, got %q", e.Source)
		}
	}
}

func TestSchemaValidatorInvalidSchema(t *testing.T) {
	if _, err := NewSchemaValidator[openAccount]([]byte(`{"type":`)); err == nil {
		t.Error("expected parse error")
	}
	if _, err := NewSchemaValidator[openAccount]([]byte(`{"type": "no-such-type"}`)); err == nil {
		t.Error("expected compile error")
	}
}

func TestJQValidator(t *testing.T) {
	v, err := NewJQValidator[openAccount]("accounts",
		Rule{Property: "amount", Expr: ".amount > 0", Message: "amount must be positive"},
		Rule{Property: "country", Expr: `.country == null or (.country | test("^[A-Z]{2}$"))`},
		Rule{Property: "name", Expr: ".name | length <= 40"},
	)
	if err != nil {
		t.Fatalf("NewJQValidator: %v", err)
	}
	ctx := context.Background()

	if errs := v.Validate(ctx, openAccount{Name: "Ana", Amount: 5, Country: "PT"}); len(errs) != 0 {
		t.Fatalf("valid request rejected: %+v", errs)
	}

	errs := v.Validate(ctx, openAccount{Name: "Ana", Amount: -1, Country: "portugal"})
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %+v", errs)
	}
	if errs[0].Property != "amount" || errs[0].Message != "amount must be positive" {
		t.Errorf("unexpected first error %+v", errs[0])
	}
	if errs[1].Property != "country" || !strings.HasPrefix(errs[1].Message, "must satisfy") {
		t.Errorf("expected default message for country, got %+v", errs[1])
	}
}

func TestJQValidatorExpressionError(t *testing.T) {
	v, err := NewJQValidator[openAccount]("", Rule{Property: "name", Expr: ".name | error(\"boom\")"})
	if err != nil {
		t.Fatal(err)
	}
	errs := v.Validate(context.Background(), openAccount{Name: "x"})
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "boom") {
		t.Errorf("expected runtime error to be reported, got %+v", errs)
	}
}

func TestJQValidatorInvalidExpression(t *testing.T) {
	if _, err := NewJQValidator[openAccount]("", Rule{Expr: ".amount >"}); err == nil {
		t.Error("expected parse error")
	}
	if _, err := NewJQValidator[openAccount]("", Rule{Expr: "undefined_fn(1)"}); err == nil {
		t.Error("expected compile error")
	}
}

type accountContext struct {
	stepflow.BaseContext[openAccount]
}

func TestValidatorsGatePipeline(t *testing.T) {
	schema, err := NewSchemaValidator[openAccount]([]byte(accountSchema))
	if err != nil {
		t.Fatal(err)
	}
	rules, err := NewJQValidator[openAccount]("", Rule{Property: "country", Expr: `.country != "XX"`})
	if err != nil {
		t.Fatal(err)
	}

	ran := false
	p := stepflow.New[openAccount]("accounts", func() *accountContext { return &accountContext{} }).
		WithValidator(All[openAccount](schema, rules))
	p.AddNext("Create", stepflow.StepFunc[*accountContext](func(context.Context, *accountContext) (stepflow.Outcome, error) {
		ran = true
		return stepflow.Finish(nil, http.StatusCreated), nil
	}))

	res, err := p.Execute(context.Background(), openAccount{Name: "A", Amount: 1, Country: "XX"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("step must not run for an invalid request")
	}
	if res.StatusCode != http.StatusBadRequest || res.StepIdentifier != "accounts.validation" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Errors) != 2 {
		t.Errorf("expected minLength and rule errors, got %+v", res.Errors)
	}
}
