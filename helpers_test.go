package spanbuf_test

import (
	"testing"
)

func AssertEqual[X comparable](t *testing.T, want, have X) {
	t.Helper()
	if want != have {
		t.Fatalf("want %v, have %v", want, have)
	}
}

func AssertTrue(t *testing.T, have bool) {
	t.Helper()
	if !have {
		t.Fatalf("want true, have false")
	}
}

func AssertFalse(t *testing.T, have bool) {
	t.Helper()
	if have {
		t.Fatalf("want false, have true")
	}
}

func ExpectEqual[X comparable](t *testing.T, want, have X) {
	t.Helper()
	if want != have {
		t.Errorf("want %v, have %v", want, have)
	}
}
