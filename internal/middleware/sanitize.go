package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/microcosm-cc/bluemonday"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
)

var jsScheme = regexp.MustCompile(`(?i)javascript\s*:`)

// Sanitizer scrubs script content from user-supplied strings.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.UGCPolicy()}
}

// String removes script elements, inline event handlers and javascript:
// URIs. Plain text without markup is returned unchanged.
func (s *Sanitizer) String(in string) string {
	if !strings.ContainsAny(in, "<>") && !jsScheme.MatchString(in) {
		return in
	}
	out := in
	if strings.ContainsAny(in, "<>") {
		out = s.policy.Sanitize(in)
	}
	return jsScheme.ReplaceAllString(out, "")
}

func (s *Sanitizer) value(v any) any {
	switch t := v.(type) {
	case string:
		return s.String(t)
	case []any:
		for i := range t {
			t[i] = s.value(t[i])
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = s.value(val)
		}
		return t
	}
	return v
}

// Sanitize rewrites JSON request bodies and query values in place before
// handlers bind them. Bodies that are not JSON pass through untouched.
func Sanitize(s *Sanitizer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if q := req.URL.Query(); len(q) > 0 {
				for k, vals := range q {
					for i := range vals {
						vals[i] = s.String(vals[i])
					}
					q[k] = vals
				}
				req.URL.RawQuery = q.Encode()
			}

			if req.Body != nil && req.Body != http.NoBody &&
				strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
				raw, err := io.ReadAll(req.Body)
				_ = req.Body.Close()
				if err != nil {
					return err
				}
				if len(bytes.TrimSpace(raw)) > 0 {
					dec := json.NewDecoder(bytes.NewReader(raw))
					dec.UseNumber()
					var body any
					if err := dec.Decode(&body); err != nil {
						return apperror.Validation("malformed JSON body")
					}
					if raw, err = json.Marshal(s.value(body)); err != nil {
						return err
					}
				}
				req.Body = io.NopCloser(bytes.NewReader(raw))
				req.ContentLength = int64(len(raw))
			}
			return next(c)
		}
	}
}
