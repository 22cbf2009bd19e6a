package catalog

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	domain "github.com/shoe-studio/api/internal/domain"
)

func TestDecodeMapping(t *testing.T) {
	c := scenarioCatalog(t)

	tests := []struct {
		name    string
		body    string
		want    domain.PartialMapping
		wantErr error
	}{
		{name: "partial", body: `{"laces":"black"}`, want: domain.PartialMapping{"laces": "black"}},
		{name: "full", body: `{"laces":"white","outsole":"red"}`, want: domain.PartialMapping{"laces": "white", "outsole": "red"}},
		{name: "illegal color for part", body: `{"laces":"red"}`, wantErr: ErrIllegalColor},
		{name: "unknown part", body: `{"heel":"black"}`, wantErr: ErrUnknownPart},
		{name: "unknown color", body: `{"outsole":"violet"}`, wantErr: ErrUnknownColor},
		{name: "non string value", body: `{"laces":3}`, wantErr: ErrMalformedMapping},
		{name: "array payload", body: `["laces"]`, wantErr: ErrMalformedMapping},
		{name: "invalid json", body: `{"laces":`, wantErr: ErrMalformedMapping},
		{name: "one bad entry rejects all", body: `{"laces":"black","outsole":"violet"}`, wantErr: ErrUnknownColor},
		{name: "repeated key", body: `{"outsole":"red","outsole":"black"}`, wantErr: ErrMalformedMapping},
		{name: "repeated key hides illegal color", body: `{"laces":"red","laces":"black"}`, wantErr: ErrMalformedMapping},
		{name: "trailing data", body: `{"laces":"black"} {"laces":"red"}`, wantErr: ErrMalformedMapping},
		{name: "empty object", body: ` {} `, want: domain.PartialMapping{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.DecodeMapping([]byte(tc.body))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if got != nil {
					t.Fatalf("expected no mapping on error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("mapping mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMappingError_ListsViolations(t *testing.T) {
	c := scenarioCatalog(t)
	err := c.ValidateMapping(domain.PartialMapping{"laces": "red", "heel": "black"})
	var mappingErr *MappingError
	if !errors.As(err, &mappingErr) {
		t.Fatalf("expected MappingError, got %v", err)
	}
	if len(mappingErr.Violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(mappingErr.Violations))
	}
	want := "invalid mapping: heel=black: catalog: unknown part; laces=red: catalog: color not permitted for part"
	if mappingErr.Error() != want {
		t.Fatalf("unexpected message %q", mappingErr.Error())
	}
}

func TestIsComplete(t *testing.T) {
	c := scenarioCatalog(t)
	if c.IsComplete(domain.PartialMapping{"laces": "black"}) {
		t.Fatalf("expected partial mapping to be incomplete")
	}
	if !c.IsComplete(domain.PartialMapping{"laces": "black", "outsole": "red"}) {
		t.Fatalf("expected full mapping to be complete")
	}
}
