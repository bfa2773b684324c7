// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package backend is the HTTP client for the TissueLab AI service.

# Problem Statement

The orchestration components need to talk to the backend AI service —
a separate process that owns task-node scheduling — over plain HTTP
plus long-lived event streams. This requires:

 1. Fetching the node catalog and the running-nodes view
 2. Registering (activating) and stopping task nodes
 3. Starting bundle installations and workflow runs
 4. Consuming NDJSON event streams keyed to a node, an install id,
    or the current workflow run

The client is transport only: it never interprets lifecycle semantics.
State machines live in the activation, install, and workflow packages;
this package hands them decoded payloads and structured errors.

# Catalog Decode Tolerance

The catalog endpoint returns a JSON object keyed by node name. A single
malformed entry must not invalidate the remainder, so Catalog decodes
entries individually and skips (with a debug log) any that fail,
returning every entry that parsed.

# Error Reporting

Operations return *Error carrying a Kind for programmatic handling, a
human-readable Message, a technical Detail, and a Remediation hint —
every terminal failure surfaced to the user needs a path to fixing it.

# Usage

	client := backend.New("http://localhost:8329", logger)

	catalog, err := client.Catalog(ctx)
	reply, err := client.Register(ctx, datatypes.RegistrationRequest{...})

	stream, err := client.OpenActivationStream(ctx, "GPT-seg")
	defer stream.Close()
	for {
	    line, err := stream.Next()
	    ...
	}

# Configuration

The base URL comes from the orchestrator config; TISSUELAB_BACKEND
overrides it for development setups.
*/
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
)

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// ErrorKind categorizes backend operation failures for programmatic
// handling.
type ErrorKind int

const (
	// KindConnection indicates the backend is not reachable.
	KindConnection ErrorKind = iota

	// KindRejected indicates the backend refused the request.
	KindRejected

	// KindInvalidResponse indicates the backend returned unexpected data.
	KindInvalidResponse

	// KindCancelled indicates the operation's context was cancelled.
	KindCancelled
)

// String returns the kind as a string for logging.
func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "CONNECTION_FAILED"
	case KindRejected:
		return "REQUEST_REJECTED"
	case KindInvalidResponse:
		return "INVALID_RESPONSE"
	case KindCancelled:
		return "CONTEXT_CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Error provides structured error information for backend operations.
type Error struct {
	// Kind categorizes the error.
	Kind ErrorKind

	// Op is the operation that failed (e.g., "register", "catalog").
	Op string

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// FullError returns a detailed error message including remediation.
func (e *Error) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Op != "" {
		buf.WriteString(fmt.Sprintf(" (op: %s)", e.Op))
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

func (c *Client) connError(op string, err error, ctx context.Context) *Error {
	if ctx != nil && ctx.Err() != nil {
		return &Error{
			Kind:    KindCancelled,
			Op:      op,
			Message: "Operation cancelled",
			Detail:  ctx.Err().Error(),
		}
	}
	return &Error{
		Kind:        KindConnection,
		Op:          op,
		Message:     "Cannot connect to the TissueLab backend",
		Detail:      err.Error(),
		Remediation: fmt.Sprintf("Ensure the backend AI service is running at %s", c.baseURL),
	}
}

// -----------------------------------------------------------------------------
// Endpoint Paths
// -----------------------------------------------------------------------------

const (
	pathCatalog          = "/api/v1/tasknodes"
	pathRunning          = "/api/v1/tasknodes/running"
	pathRegister         = "/api/v1/tasknodes/register"
	pathStop             = "/api/v1/tasknodes/stop"
	pathActivationEvents = "/api/v1/tasknodes/events/"
	pathInstall          = "/api/v1/bundles/install"
	pathInstallEvents    = "/api/v1/bundles/events/"
	pathWorkflowStart    = "/api/v1/workflow/start"
	pathWorkflowEvents   = "/api/v1/workflow/events"
	pathWorkflowStop     = "/api/v1/workflow/stop"
	pathDataReload       = "/api/v1/data/reload"
)

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client talks to the backend AI service. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// streamClient carries no timeout: event streams live until their
	// context is cancelled or the backend closes them.
	streamClient *http.Client

	logger *slog.Logger
}

// New creates a Client for the given backend base URL. Request bodies
// and responses are JSON; event streams are NDJSON and exempt from the
// request timeout (they use the caller's context instead).
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
		logger:       logger.With("component", "backend-client"),
	}
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Catalog fetches the node catalog keyed by node name. Decoding is
// tolerant: a malformed entry is skipped with a log line and never
// invalidates the remainder.
func (c *Client) Catalog(ctx context.Context) (map[string]datatypes.CatalogEntry, error) {
	var raw map[string]json.RawMessage
	if err := c.getJSON(ctx, "catalog", pathCatalog, &raw); err != nil {
		return nil, err
	}

	catalog := make(map[string]datatypes.CatalogEntry, len(raw))
	for name, entry := range raw {
		var decoded datatypes.CatalogEntry
		if err := json.Unmarshal(entry, &decoded); err != nil {
			c.logger.Debug("skipping malformed catalog entry", "node", name, "error", err)
			continue
		}
		catalog[name] = decoded
	}
	return catalog, nil
}

// RunningNodes fetches the backend's running-nodes view.
func (c *Client) RunningNodes(ctx context.Context) (map[string]datatypes.RunningNode, error) {
	var running map[string]datatypes.RunningNode
	if err := c.getJSON(ctx, "running", pathRunning, &running); err != nil {
		return nil, err
	}
	return running, nil
}

// Register asks the backend to start a node's backing process. The
// request is validated before it reaches the wire.
func (c *Client) Register(ctx context.Context, req datatypes.RegistrationRequest) (*datatypes.RegistrationReply, error) {
	if err := req.Validate(); err != nil {
		return nil, &Error{
			Kind:        KindRejected,
			Op:          "register",
			Message:     "Invalid registration request",
			Detail:      err.Error(),
			Remediation: "Provide a service path, and an environment name or dependency path for script entry points",
		}
	}
	var reply datatypes.RegistrationReply
	if err := c.postJSON(ctx, "register", pathRegister, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Stop asks the backend to stop the given environment.
func (c *Client) Stop(ctx context.Context, envName string) error {
	return c.postJSON(ctx, "stop", pathStop, datatypes.StopRequest{EnvName: envName}, nil)
}

// StartInstall starts a bundle installation and returns the install id
// that keys its event stream.
func (c *Client) StartInstall(ctx context.Context, bundle datatypes.BundleDescriptor) (string, error) {
	if err := bundle.Validate(); err != nil {
		return "", &Error{
			Kind:        KindRejected,
			Op:          "install",
			Message:     "Invalid bundle descriptor",
			Detail:      err.Error(),
			Remediation: "Bundle descriptors need a model name, source URI, filename, and entry path",
		}
	}
	var accepted datatypes.InstallAccepted
	if err := c.postJSON(ctx, "install", pathInstall, bundle, &accepted); err != nil {
		return "", err
	}
	if accepted.InstallID == "" {
		return "", &Error{
			Kind:    KindInvalidResponse,
			Op:      "install",
			Message: "Backend accepted the install without an install id",
		}
	}
	return accepted.InstallID, nil
}

// StartWorkflow submits a compiled workflow start payload. The body is
// produced by the workflow engine's serializer, which owns step
// ordering; the client sends it verbatim.
func (c *Client) StartWorkflow(ctx context.Context, payload json.RawMessage) error {
	return c.postRaw(ctx, "workflow-start", pathWorkflowStart, payload, nil)
}

// StopWorkflow halts the run targeting the given dataset path.
func (c *Client) StopWorkflow(ctx context.Context, targetPath string) (*datatypes.WorkflowStopReply, error) {
	var reply datatypes.WorkflowStopReply
	req := map[string]string{"target_path": targetPath}
	if err := c.postJSON(ctx, "workflow-stop", pathWorkflowStop, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Reload asks the backend to reload the dataset a completed run wrote
// to. The answer may carry a generated artifact for panel injection.
func (c *Client) Reload(ctx context.Context, targetPath string) (*datatypes.ReloadResult, error) {
	var result datatypes.ReloadResult
	req := map[string]string{"target_path": targetPath}
	if err := c.postJSON(ctx, "reload", pathDataReload, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// -----------------------------------------------------------------------------
// Event Streams
// -----------------------------------------------------------------------------

// OpenActivationStream opens the NDJSON event stream for one node's
// activation, keyed by node name.
func (c *Client) OpenActivationStream(ctx context.Context, node string) (*Stream, error) {
	return c.openStream(ctx, "activation-events", pathActivationEvents+url.PathEscape(node))
}

// OpenInstallStream opens the event stream for one installation,
// keyed by install id.
func (c *Client) OpenInstallStream(ctx context.Context, installID string) (*Stream, error) {
	return c.openStream(ctx, "install-events", pathInstallEvents+url.PathEscape(installID))
}

// OpenWorkflowStream opens the status stream for the current workflow
// run. One stream covers the whole run, not one per node.
func (c *Client) OpenWorkflowStream(ctx context.Context) (*Stream, error) {
	return c.openStream(ctx, "workflow-events", pathWorkflowEvents)
}

// -----------------------------------------------------------------------------
// HTTP plumbing
// -----------------------------------------------------------------------------

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return c.connError(op, err, ctx)
	}
	return c.do(op, req, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &Error{
			Kind:    KindRejected,
			Op:      op,
			Message: "Failed to serialize request",
			Detail:  err.Error(),
		}
	}
	return c.postRaw(ctx, op, path, body, out)
}

func (c *Client) postRaw(ctx context.Context, op, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return c.connError(op, err, ctx)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.connError(op, err, req.Context())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{
			Kind:        KindRejected,
			Op:          op,
			Message:     fmt.Sprintf("Backend rejected %s with status %d", op, resp.StatusCode),
			Detail:      string(body),
			Remediation: "Check the backend service logs",
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{
			Kind:    KindInvalidResponse,
			Op:      op,
			Message: "Backend returned an unreadable response",
			Detail:  err.Error(),
		}
	}
	return nil
}
