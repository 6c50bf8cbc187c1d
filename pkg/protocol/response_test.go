package protocol

import (
	"testing"
)

func TestResponse_Marshal(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{
			name: "ack",
			resp: Ack(131072),
			want: `{"ok":true,"value":131072}`,
		},
		{
			name: "zero byte ack keeps value",
			resp: Ack(0),
			want: `{"ok":true,"value":0}`,
		},
		{
			name: "success terminal",
			resp: Done("https://example.com/downloads/ABC/a.txt"),
			want: `{"ok":true,"value":"https://example.com/downloads/ABC/a.txt"}`,
		},
		{
			name: "error terminal",
			resp: InternalError(),
			want: `{"ok":false}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resp.Marshal()
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	ack, err := DecodeResponse([]byte(`{"ok":true,"value":68928}`))
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	n, ok := ack.Int()
	if !ok || n != 68928 {
		t.Errorf("Int() = %d, %v, want 68928, true", n, ok)
	}
	if ack.IsTerminal() {
		t.Error("ack should not be terminal")
	}

	done, err := DecodeResponse([]byte(`{"ok":true,"value":"http://x/d/c/f"}`))
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	url, ok := done.Text()
	if !ok || url != "http://x/d/c/f" {
		t.Errorf("Text() = %q, %v", url, ok)
	}
	if !done.IsTerminal() {
		t.Error("success with url should be terminal")
	}

	failed, err := DecodeResponse([]byte(`{"ok":false}`))
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if failed.OK || !failed.IsTerminal() {
		t.Errorf("error response decoded as %+v", failed)
	}

	if _, err := DecodeResponse([]byte(`{"ok":`)); err == nil {
		t.Error("expected error for truncated JSON")
	}
}
