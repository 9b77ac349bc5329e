package status

import (
	"strings"
	"testing"
)

func TestOkInvariant(t *testing.T) {
	st := OK()
	if !st.IsOK() || st.Code() != CodeOK || st.Message() != "" {
		t.Fatalf("bad ok status: %v", st)
	}
	// code为OK时msg必须被丢弃
	st = New(CodeOK, "should be dropped")
	if !st.IsOK() || st.Message() != "" {
		t.Fatalf("ok status carried a message: %v", st)
	}
}

func TestErrorStatus(t *testing.T) {
	st := New(1003, "not leader")
	if st.IsOK() {
		t.Fatal("error status reported ok")
	}
	if st.Code() != 1003 || st.Message() != "not leader" {
		t.Fatalf("unexpected status: %v", st)
	}
}

func TestNewf(t *testing.T) {
	st := Newf(CodeEInternal, "RPC exception: %v", "boom")
	if st.Code() != CodeEInternal {
		t.Fatalf("unexpected code: %d", st.Code())
	}
	if st.Message() != "RPC exception: boom" {
		t.Fatalf("unexpected message: %s", st.Message())
	}
}

func TestString(t *testing.T) {
	if s := New(CodeETimedout, "deadline").String(); !strings.Contains(s, "ETIMEDOUT") {
		t.Fatalf("unexpected string: %s", s)
	}
	if s := OK().String(); s != "Status[OK]" {
		t.Fatalf("unexpected string: %s", s)
	}
}
