package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/padint/internal/partition"
	"github.com/dreamware/padint/internal/server"
)

// Server routes.
const (
	PathCreate  = "/padint/create"
	PathConfirm = "/padint/confirm"
	PathRead    = "/padint/read"
	PathWrite   = "/padint/write"
	PathCommit  = "/txn/commit"
	PathAbort   = "/txn/abort"

	PathPrimary   = "/control/primary"
	PathAlive     = "/control/alive"
	PathReplicate = "/control/replicate"
	PathStepDown  = "/control/stepdown"
	PathAttach    = "/control/attach"
	PathFreeze    = "/control/freeze"
	PathRecover   = "/control/recover"

	PathHealth  = "/health"
	PathInfo    = "/info"
	PathMetrics = "/metrics"
)

// Master routes.
const (
	PathRegister = "/register"
	PathServers  = "/servers"
	PathCapacity = "/capacity"
)

// UIDRequest addresses one cell.
type UIDRequest struct {
	UID int `json:"uid"`
}

// ConfirmResponse tells whether the server holds the uid.
type ConfirmResponse struct {
	Exists bool `json:"exists"`
}

// ReadRequest reads a cell on behalf of a transaction.
type ReadRequest struct {
	TID int `json:"tid"`
	UID int `json:"uid"`
}

// ReadResponse carries the value the transaction sees.
type ReadResponse struct {
	Value int `json:"value"`
}

// WriteRequest sets a transaction's working value of a cell.
type WriteRequest struct {
	TID   int `json:"tid"`
	UID   int `json:"uid"`
	Value int `json:"value"`
}

// TxnRequest commits or aborts tid on the cells it used.
type TxnRequest struct {
	TID  int   `json:"tid"`
	UIDs []int `json:"uids"`
}

// PrimaryRequest asks a server to act as primary for BackupAddr. Snapshot is
// set when a former backup hands over its replica.
type PrimaryRequest struct {
	BackupAddr string              `json:"backup_addr"`
	Snapshot   *partition.Snapshot `json:"snapshot,omitempty"`
}

// StepDownRequest demotes a primary to the backup of PrimaryAddr.
type StepDownRequest struct {
	PrimaryAddr string             `json:"primary_addr"`
	Snapshot    partition.Snapshot `json:"snapshot"`
}

// RegisterRequest announces a server to the master. A nil ID asks for a
// fresh one; a set ID replaces that server's address (takeover).
type RegisterRequest struct {
	ID   *int   `json:"id,omitempty"`
	Addr string `json:"addr"`
}

// CapacityRequest reports a server's new capacity bound to the master.
type CapacityRequest struct {
	ID       int `json:"id"`
	Capacity int `json:"capacity"`
}

// Aliases keep handlers and clients on one set of wire types.
type (
	RegisterResponse = server.Registration
	ServersResponse  = server.Servers
	AttachRequest    = server.AttachRequest
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON and decodes the reply into out (skipped when
// out is nil). Error replies come back as the matching sentinel error.
// Transport failures wrap server.ErrPeerUnreachable when no connection was
// made and server.ErrNoReply otherwise.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, httpClient, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, client *http.Client, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Wrapf(err, "build request %s", url)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if notConnected(err) {
			return errors.Wrapf(server.ErrPeerUnreachable, "%s %s: %v", method, url, err)
		}
		return errors.Wrapf(server.ErrNoReply, "%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(url, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode reply from %s", url)
	}
	return nil
}

// notConnected reports whether err happened while dialing, before any byte
// of the request was sent.
func notConnected(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON reads a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(ErrBadRequest, err.Error())
	}
	return nil
}
