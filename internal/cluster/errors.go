package cluster

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/dreamware/padint/internal/cell"
	"github.com/dreamware/padint/internal/partition"
	"github.com/dreamware/padint/internal/server"
)

// ErrBadRequest marks undecodable request bodies.
var ErrBadRequest = errors.New("bad request")

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorCode struct {
	err    error
	code   string
	status int
}

// errorCodes maps sentinels to wire codes. The first match wins, both when
// encoding and when decoding a code back into a sentinel.
var errorCodes = []errorCode{
	{partition.ErrNotFound, "not_found", http.StatusNotFound},
	{cell.ErrDetached, "not_found", http.StatusNotFound},
	{partition.ErrAlreadyExists, "already_exists", http.StatusConflict},
	{cell.ErrAbortRequired, "abort_required", http.StatusConflict},
	{cell.ErrAborted, "aborted", http.StatusConflict},
	{cell.ErrInvalidCallerState, "invalid_caller_state", http.StatusBadRequest},
	{cell.ErrBusy, "busy", http.StatusConflict},
	{server.ErrNotPrimary, "not_primary", http.StatusServiceUnavailable},
	{server.ErrNotBackup, "not_backup", http.StatusConflict},
	{server.ErrPeerUnreachable, "peer_unreachable", http.StatusBadGateway},
	{server.ErrNoReply, "no_reply", http.StatusBadGateway},
	{server.ErrClosed, "closed", http.StatusServiceUnavailable},
	{ErrBadRequest, "bad_request", http.StatusBadRequest},
	{context.DeadlineExceeded, "timeout", http.StatusGatewayTimeout},
	{context.Canceled, "canceled", http.StatusRequestTimeout},
}

// Classify returns the wire code and HTTP status for err.
func Classify(err error) (string, int) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code, ec.status
		}
	}
	return "internal", http.StatusInternalServerError
}

// WriteError replies with the classified error.
func WriteError(w http.ResponseWriter, err error) {
	code, status := Classify(err)
	WriteJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}

// remoteError is an error reported by another process. It prints the
// remote message and matches the sentinel of its code.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.sentinel }

func decodeError(url string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Code != "" {
		for _, ec := range errorCodes {
			if ec.code == er.Code {
				return &remoteError{sentinel: ec.err, msg: er.Message}
			}
		}
		return errors.Errorf("%s: %s (%s)", url, er.Message, er.Code)
	}
	return errors.Errorf("http %s: %d %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
}
