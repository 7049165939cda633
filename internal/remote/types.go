package remote

import (
	"context"
	"strings"
)

// StatusSuccess is the only status value that carries usable content.
const StatusSuccess = "success"

// ModuleSuffix marks listing entries that are loadable extensions.
const ModuleSuffix = ".js"

// Request asks the remote for one encrypted extension. CurrentVersion, when
// set, lets the remote answer Unchanged without sending the payload.
type Request struct {
	Bucket         string `json:"bucket,omitempty"`
	Key            string `json:"key"`
	DeviceID       string `json:"device_id,omitempty"`
	CurrentVersion string `json:"current_hash,omitempty"`
}

// Response is the remote's answer to a Request.
type Response struct {
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	EncryptedData  string `json:"encrypted_data,omitempty"`
	Signature      string `json:"signature,omitempty"`
	EncryptionType string `json:"encryption_type,omitempty"`
	VersionHash    string `json:"version_hash,omitempty"`
	Unchanged      bool   `json:"unchanged,omitempty"`
}

// Source is a backend that serves encrypted extensions and folder listings.
type Source interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
	List(ctx context.Context, folder string) ([]string, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncRemoteRequest(op, result string)
	IncRemoteRetry(op string)
	IncAuthRefresh()
}

// Request results reported to Metrics.
const (
	ResultOK        = "ok"
	ResultUnchanged = "unchanged"
	ResultError     = "error"
)

// isModule reports whether a listing key names a loadable extension.
func isModule(key string) bool {
	return strings.HasSuffix(key, ModuleSuffix) && !strings.HasSuffix(key, "/")
}
