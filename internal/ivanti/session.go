package ivanti

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Credential is the normalized session derived from a login.
type Credential struct {
	Tenant string
	// Token is sent verbatim as the Authorization header.
	Token string
}

// responseShape tags the forms a login response body takes.
type responseShape int

const (
	shapeText   responseShape = iota // body is not JSON
	shapeString                      // JSON string
	shapeObject                      // JSON object
	shapeOther                       // any other JSON value
)

func (s responseShape) String() string {
	switch s {
	case shapeText:
		return "text"
	case shapeString:
		return "string"
	case shapeObject:
		return "object"
	}
	return "other"
}

// sessionKeys are tried in order on object responses.
var sessionKeys = []string{"sessionId", "SessionId", "token"}

type loginResponse struct {
	shape responseShape
	// key is the session key found on an object response, if any.
	key string
	// value is the candidate session value; valid only when isString.
	value    string
	isString bool
	raw      string
}

// parseLoginResponse maps a login body onto one of the known shapes.
func parseLoginResponse(body []byte) loginResponse {
	raw := strings.TrimSpace(string(body))
	if !gjson.ValidBytes(body) {
		return loginResponse{shape: shapeText, value: raw, isString: true, raw: raw}
	}

	res := gjson.ParseBytes(body)
	switch {
	case res.IsObject():
		for _, k := range sessionKeys {
			v := res.Get(k)
			if !v.Exists() {
				continue
			}
			return loginResponse{
				shape:    shapeObject,
				key:      k,
				value:    v.Str,
				isString: v.Type == gjson.String,
				raw:      raw,
			}
		}
		return loginResponse{shape: shapeObject, raw: raw}
	case res.Type == gjson.String:
		return loginResponse{shape: shapeString, value: res.Str, isString: true, raw: raw}
	}
	return loginResponse{shape: shapeOther, raw: raw}
}

// sessionValue resolves the session value or says why there is none.
func (r loginResponse) sessionValue() (string, error) {
	if r.shape == shapeObject && r.key == "" {
		return "", fmt.Errorf("%w: %s", ErrSessionKeyMissing, r.raw)
	}
	if !r.isString || r.value == "" {
		return "", ErrNoSessionKey
	}
	return r.value, nil
}

// NormalizeToken builds the Authorization value from a session value. The
// API sometimes returns a tenant-qualified token and sometimes a bare one;
// bare ones are wrapped as "{tenant}#{value}#2".
func NormalizeToken(tenant, value string) string {
	if strings.Contains(value, tenant) {
		return value
	}
	return tenant + "#" + value + "#2"
}
