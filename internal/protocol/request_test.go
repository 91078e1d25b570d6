package protocol

import (
	"reflect"
	"strings"
	"testing"
)

func TestDecodeStartRequest_Options(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Options
	}{
		{"array", `{"file":"p.","vampireUserOptions":["--mode","casc"]}`, Options{"--mode", "casc"}},
		{"string", `{"file":"p.","vampireUserOptions":"  --mode   casc -t 10 "}`, Options{"--mode", "casc", "-t", "10"}},
		{"empty string", `{"file":"p.","vampireUserOptions":""}`, Options{}},
		{"null", `{"file":"p.","vampireUserOptions":null}`, nil},
		{"missing", `{"file":"p."}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Decode[StartRequest]([]byte(tt.body))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if req.File != "p." {
				t.Errorf("expected file 'p.', got %q", req.File)
			}
			if len(req.VampireUserOptions) != len(tt.want) || (len(tt.want) > 0 && !reflect.DeepEqual(req.VampireUserOptions, tt.want)) {
				t.Errorf("expected options %q, got %q", tt.want, req.VampireUserOptions)
			}
		})
	}
}

func TestDecodeStartRequest_BadOptions(t *testing.T) {
	_, err := Decode[StartRequest]([]byte(`{"file":"p.","vampireUserOptions":42}`))
	if err == nil || !strings.Contains(err.Error(), "options must be") {
		t.Fatalf("expected options error, got %v", err)
	}
}

func TestDecodeSelectRequest(t *testing.T) {
	tests := []struct {
		body    string
		want    int
		wantErr string
	}{
		{`{"id": 12}`, 12, ""},
		{`{"id": "12"}`, 12, ""},
		{`{"id": " 3 "}`, 3, ""},
		{`{"id": "x"}`, 0, "id must be an integer"},
		{`{"id": 1.5}`, 0, "id must be an integer"},
		{`{}`, 0, "missing required field 'id'"},
		{``, 0, "request body is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			req, err := Decode[SelectRequest]([]byte(tt.body))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if int(*req.ID) != tt.want {
				t.Errorf("expected id %d, got %d", tt.want, *req.ID)
			}
		})
	}
}
