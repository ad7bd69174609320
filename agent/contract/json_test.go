package contract

import (
	"errors"
	"testing"
)

func TestDecodeModelJSON(t *testing.T) {
	type payload struct {
		Summary string `json:"summary"`
	}

	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"plain object", `{"summary": "ok"}`, "ok", false},
		{"fenced json", "```json\n{\"summary\": \"ok\"}\n```", "ok", false},
		{"bare fence", "```\n{\"summary\": \"ok\"}\n```", "ok", false},
		{"surrounding prose", `Aqui está: {"summary": "ok"} espero que ajude`, "ok", false},
		{"no json at all", "não consegui extrair nada", "", true},
		{"broken json", `{"summary": `, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p payload
			err := DecodeModelJSON(tc.raw, &p)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrSchemaViolation) {
					t.Fatalf("err = %v, want ErrSchemaViolation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Summary != tc.want {
				t.Fatalf("summary = %q, want %q", p.Summary, tc.want)
			}
		})
	}
}
