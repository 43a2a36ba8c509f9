package errcodes

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestLookupReturnsCopy(t *testing.T) {
	ec, ok := Lookup(StateIllegalTransition)
	if !ok {
		t.Fatalf("expected STATE_001 in catalog")
	}
	if ec.Code != StateIllegalTransition || ec.Severity != SeverityBlock {
		t.Fatalf("unexpected entry: %+v", ec)
	}
	if len(ec.RemediationSteps) == 0 {
		t.Fatalf("expected remediation steps")
	}
	ec.RemediationSteps[0] = "mutated"

	again := Must(StateIllegalTransition)
	if again.RemediationSteps[0] == "mutated" {
		t.Fatalf("catalog entry was mutated through a lookup copy")
	}
}

func TestEveryCodeIsComplete(t *testing.T) {
	for _, code := range Codes() {
		ec := Must(code)
		if ec.Message == "" || ec.DoctrineReference == "" || ec.Severity == "" {
			t.Fatalf("incomplete entry for %s: %+v", code, ec)
		}
		if len(ec.RemediationSteps) == 0 {
			t.Fatalf("no remediation steps for %s", code)
		}
	}
}

func TestUnknownCode(t *testing.T) {
	if _, ok := Lookup("NOPE_999"); ok {
		t.Fatalf("expected unknown code lookup to fail")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Must to panic on unknown code")
		}
	}()
	Must("NOPE_999")
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("drive job: %w", Wrap(SystemGenerationUnavailable, cause))

	code, ok := CodeOf(err)
	if !ok || code != SystemGenerationUnavailable {
		t.Fatalf("expected SYSTEM_GENERATION_UNAVAILABLE, got %q ok=%v", code, ok)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if !Is(err, SystemGenerationUnavailable) {
		t.Fatalf("Is should match the wrapped code")
	}

	var coded *Error
	if !errors.As(err, &coded) || coded.ErrorKind() != string(KindSystem) {
		t.Fatalf("expected system kind")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		TitleTooShort:               http.StatusUnprocessableEntity,
		GateStructure:               http.StatusUnprocessableEntity,
		NearDuplicateIntent:         http.StatusConflict,
		StateIllegalTransition:      http.StatusConflict,
		AICostLimitExceeded:         http.StatusPaymentRequired,
		SystemGenerationUnavailable: http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
