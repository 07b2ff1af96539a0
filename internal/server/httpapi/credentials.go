package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/nucleus/internal/common"
)

// maxBody caps JSON and form bodies; world uploads use maxWorld instead.
const (
	maxBody  = 64 << 10
	maxWorld = 16 << 20
)

// inbound is a request whose body has been read once and parsed as JSON
// or form fields, whichever the content type says.
type inbound struct {
	r    *http.Request
	json map[string]any
	form url.Values
}

func readInbound(r *http.Request) (*inbound, error) {
	in := &inbound{r: r}
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return in, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return in, nil
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case ct == "application/x-www-form-urlencoded":
		if in.form, err = url.ParseQuery(string(body)); err != nil {
			return nil, err
		}
	case ct == "application/json" || body[0] == '{':
		if err := json.Unmarshal(body, &in.json); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// field reads name from the JSON body, then the form body, then the query.
func (in *inbound) field(name string) string {
	if v, ok := in.json[name]; ok {
		switch t := v.(type) {
		case string:
			return strings.TrimSpace(t)
		case json.Number:
			return t.String()
		case float64:
			b, _ := json.Marshal(t)
			return string(b)
		}
	}
	if v := in.form.Get(name); v != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(in.r.URL.Query().Get(name))
}

// token finds the bearer token. Headers win over the query string, which
// wins over the body.
func (in *inbound) token() string {
	if t := tokenFromHeaders(in.r); t != "" {
		return t
	}
	if t := strings.TrimSpace(in.r.URL.Query().Get(common.AccessTokenParamName)); t != "" {
		return t
	}
	for _, k := range []string{common.AccessTokenParamName, "token"} {
		if v, ok := in.json[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(in.form.Get(common.AccessTokenParamName))
}

func tokenFromHeaders(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(common.AuthParamsHeaderName)); v != "" {
		// the auth-params header is either a bare token or a query string
		if strings.Contains(v, common.AccessTokenParamName+"=") {
			if q, err := url.ParseQuery(v); err == nil {
				if t := strings.TrimSpace(q.Get(common.AccessTokenParamName)); t != "" {
					return t
				}
			}
		} else {
			return v
		}
	}
	if v := strings.TrimSpace(r.Header.Get(common.NucleusTokenHeaderName)); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

// clientIP is the first X-Forwarded-For entry, else the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
