// Package zerobus implements the per-target streaming client that pushes
// record batches into the cloud ingestion endpoint. The wire protocol is a
// framed, authenticated, ordered record stream with cumulative per-batch
// acknowledgements.
package zerobus

import (
	"fmt"
	"strings"

	"otbridge.evalgo.org/model"
)

// Message types exchanged on a stream.
const (
	msgOpen   = "open"
	msgOpened = "opened"
	msgBatch  = "batch"
	msgAck    = "ack"
	msgError  = "error"
	msgClose  = "close"
)

// Server error codes.
const (
	codeSchemaViolation = "schema_violation"
	codeUnauthorized    = "unauthorized"
	codeFlowControl     = "flow_control"
	codeInternal        = "internal"
)

// wireMessage is the single JSON frame shape used in both directions;
// unused fields stay empty.
type wireMessage struct {
	Type    string         `json:"type"`
	Table   string         `json:"table,omitempty"`
	BatchID string         `json:"batch_id,omitempty"`
	Seq     uint64         `json:"seq,omitempty"`
	Records []model.Record `json:"records,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	// Indexes identifies the offending records within a rejected batch;
	// empty means the whole batch was refused.
	Indexes []int `json:"indexes,omitempty"`
}

// Target identifies one cloud destination. The triple
// workspace/endpoint/table is unique per sink.
type Target struct {
	WorkspaceHost string `yaml:"workspace_host" json:"workspace_host"`
	EndpointHost  string `yaml:"endpoint_host" json:"endpoint_host"`
	Table         string `yaml:"table" json:"table"`
	ClientID      string `yaml:"client_id" json:"client_id"`
	// SecretName references the OAuth2 client secret in the credential
	// store.
	SecretName string `yaml:"secret_name" json:"secret_name"`
}

// Key returns the unique identity of the target triple.
func (t Target) Key() string {
	return t.WorkspaceHost + "|" + t.EndpointHost + "|" + t.Table
}

// Validate checks the fields a stream cannot be opened without.
func (t Target) Validate() error {
	if t.WorkspaceHost == "" {
		return fmt.Errorf("target workspace_host is required")
	}
	if t.EndpointHost == "" {
		return fmt.Errorf("target endpoint_host is required")
	}
	if strings.Count(t.Table, ".") != 2 {
		return fmt.Errorf("target table must be catalog.schema.table, got %q", t.Table)
	}
	if t.ClientID == "" {
		return fmt.Errorf("target client_id is required")
	}
	if t.SecretName == "" {
		return fmt.Errorf("target secret_name is required")
	}
	return nil
}
