package inference

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Detail is the flattened error shape returned to HTTP callers.
type Detail struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
	Debug string `json:"debug,omitempty"`
}

// UnreachableError means no usable HTTP response arrived: refused connection,
// DNS failure, reset, or the per-call deadline expired.
type UnreachableError struct {
	Op  string
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("inference %s: unreachable: %v", e.Op, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// RemoteError is a response with a non-2xx status, or a 2xx body that could
// not be used.
type RemoteError struct {
	Op         string
	StatusCode int
	Detail     Detail
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("inference %s: status %d: %s", e.Op, e.StatusCode, e.Detail.Error)
}

// Status is the HTTP status to surface to callers; 502 when the remote gave none.
func (e *RemoteError) Status() int {
	if e.StatusCode < 400 || e.StatusCode > 599 {
		return http.StatusBadGateway
	}
	return e.StatusCode
}

const malformedResponse = "malformed inference response"

func malformed(op string) *RemoteError {
	return &RemoteError{
		Op:         op,
		StatusCode: http.StatusBadGateway,
		Detail:     Detail{Error: malformedResponse},
	}
}

func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

const maxErrorText = 200

// flattenDetail normalizes the error bodies the inference service produces:
//
//	{"detail": "msg"}                              -> {error: msg}
//	{"detail": {"error", "type", "traceback"}}     -> {error, type, debug}
//	{"detail": <anything else>}                    -> {error: <detail JSON>}
//	{"error": "msg", "type"?, "debug"?}            -> passed through
//	anything else                                  -> {error: "inference service error: ..."}
func flattenDetail(status int, body []byte) Detail {
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		if root.IsObject() {
			if d := root.Get("detail"); d.Exists() {
				return fromDetail(d)
			}
			if e := root.Get("error"); e.Type == gjson.String {
				return Detail{
					Error: e.String(),
					Type:  root.Get("type").String(),
					Debug: textOrRaw(root.Get("debug")),
				}
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	if len(msg) > maxErrorText {
		msg = msg[:maxErrorText]
	}
	return Detail{Error: "inference service error: " + msg}
}

func fromDetail(d gjson.Result) Detail {
	switch {
	case d.Type == gjson.String:
		return Detail{Error: d.String()}
	case d.IsObject() && d.Get("error").Exists():
		return Detail{
			Error: textOrRaw(d.Get("error")),
			Type:  d.Get("type").String(),
			Debug: textOrRaw(d.Get("traceback")),
		}
	default:
		return Detail{Error: d.Raw}
	}
}

func textOrRaw(r gjson.Result) string {
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return r.String()
	default:
		return r.Raw
	}
}
