package protocol

import "testing"

func TestDecodeBase(t *testing.T) {
	cases := map[string]string{
		`{"msg":"initial","results":[]}`:   MsgInitial,
		`{"msg":"update","data":{}}`:       MsgUpdate,
		`{"msg":"status","connections":1}`: MsgStatus,
		`{"other":1}`:                      "",
	}
	for in, want := range cases {
		b, err := DecodeBase([]byte(in))
		if err != nil {
			t.Fatalf("decode %s: %v", in, err)
		}
		if b.Msg != want {
			t.Fatalf("decode %s: msg=%q want %q", in, b.Msg, want)
		}
	}
	if _, err := DecodeBase([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed input")
	}
}
