package pagination

import (
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestParseDefaultsWhenUnset(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("page size = %d, want %d", params.PageSize, DefaultPageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("page token = %q, want empty", params.PageToken)
	}
}

func TestParseClampsPageSize(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want int
	}{
		"within bounds": {raw: "35", want: 35},
		"over max":      {raw: "5000", want: DefaultMaxPageSize},
		"zero":          {raw: "0", want: DefaultPageSize},
		"negative":      {raw: "-3", want: DefaultPageSize},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			params, err := Parse(url.Values{"page_size": {tc.raw}}, Options{})
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if params.PageSize != tc.want {
				t.Fatalf("page size = %d, want %d", params.PageSize, tc.want)
			}
		})
	}
}

func TestParseRejectsNonIntegerPageSize(t *testing.T) {
	if _, err := Parse(url.Values{"page_size": {"lots"}}, Options{}); !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("err = %v, want ErrInvalidPageSize", err)
	}
}

func TestParseHonoursCustomBounds(t *testing.T) {
	params, err := Parse(url.Values{"page_size": {"90"}}, Options{DefaultPageSize: 10, MaxPageSize: 25})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.PageSize != 25 {
		t.Fatalf("page size = %d, want 25", params.PageSize)
	}
}

func TestParseDecodesPageToken(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"prod_042"}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	params, err := Parse(url.Values{"page_token": {token}}, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.PageToken != token {
		t.Fatalf("page token = %q, want %q", params.PageToken, token)
	}
	if len(params.Cursor.StartAfter) != 1 || params.Cursor.StartAfter[0] != "prod_042" {
		t.Fatalf("cursor = %+v", params.Cursor)
	}
}

func TestParseRejectsMalformedPageToken(t *testing.T) {
	if _, err := Parse(url.Values{"page_token": {"!!not-base64!!"}}, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("err = %v, want ErrInvalidPageToken", err)
	}
}

func TestFromRequestReadsQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/admin/invoices?page_size=7", nil)
	params, err := FromRequest(req, Options{})
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if params.PageSize != 7 {
		t.Fatalf("page size = %d, want 7", params.PageSize)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"inv_010", float64(3)}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	cursor, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if len(cursor.StartAfter) != 2 || cursor.StartAfter[0] != "inv_010" {
		t.Fatalf("cursor = %+v", cursor)
	}

	if empty, err := EncodeToken(Cursor{}); err != nil || empty != "" {
		t.Fatalf("empty cursor token = %q, err = %v", empty, err)
	}
}
