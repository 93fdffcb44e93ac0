package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/task"
	"go.uber.org/zap"
)

// Client talks to the hosted backend: REST row reads, stored-procedure
// calls, and object storage. All business arbitration (acceptance
// resolution, conversation creation, notification fan-out) happens in
// the stored procedures; the client only invokes them by name and
// consumes the result rows.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a backend client for the given base URL and API key.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// FetchMessages loads the full ordered message list of a conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("order", "created_at.asc")
	var rows []MessageRow
	if err := c.get(ctx, "fetch messages", "/rest/v1/messages", q, &rows); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.ToMessage()
	}
	return msgs, nil
}

// SendMessage persists a message and returns the stored row, so the
// caller can replace its optimistic entry directly instead of waiting
// for the channel echo.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error) {
	var row MessageRow
	err := c.rpc(ctx, "send message", "send_message", map[string]any{
		"p_conversation_id": conversationID,
		"p_content":         content,
	}, &row)
	if err != nil {
		return chat.Message{}, err
	}
	return row.ToMessage(), nil
}

// MarkRead marks the given message ids read server-side. Callers treat
// it as fire-and-forget; read state is soft.
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	return c.rpc(ctx, "mark read", "mark_messages_read", map[string]any{
		"p_message_ids": ids,
	}, nil)
}

// FetchTask loads a single task row.
func (c *Client) FetchTask(ctx context.Context, taskID string) (task.Snapshot, error) {
	q := url.Values{}
	q.Set("id", "eq."+taskID)
	q.Set("limit", "1")
	var rows []TaskRow
	if err := c.get(ctx, "fetch task", "/rest/v1/tasks", q, &rows); err != nil {
		return task.Snapshot{}, err
	}
	if len(rows) == 0 {
		return task.Snapshot{}, &Error{Op: "fetch task", Status: http.StatusNotFound, Message: "task " + taskID + " not found"}
	}
	return rows[0].ToSnapshot(), nil
}

// FetchAcceptances loads the acceptance records of a task.
func (c *Client) FetchAcceptances(ctx context.Context, taskID string) ([]task.Acceptance, error) {
	q := url.Values{}
	q.Set("task_id", "eq."+taskID)
	q.Set("order", "created_at.asc")
	var rows []AcceptanceRow
	if err := c.get(ctx, "fetch acceptances", "/rest/v1/task_acceptances", q, &rows); err != nil {
		return nil, err
	}
	out := make([]task.Acceptance, len(rows))
	for i, r := range rows {
		out[i] = r.ToAcceptance()
	}
	return out, nil
}

// AcceptTask offers to take a task.
func (c *Client) AcceptTask(ctx context.Context, taskID, message string) (ActionResult, error) {
	return c.action(ctx, "accept task", "accept_task", map[string]any{
		"p_task_id": taskID,
		"p_message": message,
	})
}

// RespondToAcceptance confirms or rejects a pending acceptance.
func (c *Client) RespondToAcceptance(ctx context.Context, acceptanceID string, status task.AcceptanceStatus, responseMessage string) (ActionResult, error) {
	return c.action(ctx, "respond to acceptance", "respond_to_acceptance", map[string]any{
		"p_acceptance_id":    acceptanceID,
		"p_status":           string(status),
		"p_response_message": responseMessage,
	})
}

// MarkTaskFinished marks an assigned task finished by its assignee.
func (c *Client) MarkTaskFinished(ctx context.Context, taskID string) (ActionResult, error) {
	return c.action(ctx, "mark task finished", "mark_task_finished", map[string]any{"p_task_id": taskID})
}

// ConfirmTaskComplete confirms a finished task complete by its owner.
func (c *Client) ConfirmTaskComplete(ctx context.Context, taskID string) (ActionResult, error) {
	return c.action(ctx, "confirm task complete", "confirm_task_complete", map[string]any{"p_task_id": taskID})
}

// CancelTask cancels a task outright.
func (c *Client) CancelTask(ctx context.Context, taskID string) (ActionResult, error) {
	return c.action(ctx, "cancel task", "cancel_task", map[string]any{"p_task_id": taskID})
}

// CancelTaskAssignment releases an assignment, returning the task to
// pending.
func (c *Client) CancelTaskAssignment(ctx context.Context, taskID string) (ActionResult, error) {
	return c.action(ctx, "cancel task assignment", "cancel_task_assignment", map[string]any{"p_task_id": taskID})
}

// UploadFile uploads a local file to object storage and returns its
// public URL.
func (c *Client) UploadFile(ctx context.Context, localPath, destPath, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", &Error{Op: "upload file", Message: err.Error()}
	}
	defer func() { _ = f.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/storage/v1/object/"+destPath, f)
	if err != nil {
		return "", &Error{Op: "upload file", Message: err.Error()}
	}
	req.Header.Set("Content-Type", contentType)
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Op: "upload file", Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &Error{Op: "upload file", Status: resp.StatusCode, Message: string(body)}
	}
	return c.baseURL + "/storage/v1/object/public/" + destPath, nil
}

func (c *Client) action(ctx context.Context, op, fn string, args map[string]any) (ActionResult, error) {
	var res ActionResult
	if err := c.rpc(ctx, op, fn, args, &res); err != nil {
		return ActionResult{}, err
	}
	return res, nil
}

// rpc invokes a stored procedure by name.
func (c *Client) rpc(ctx context.Context, op, fn string, args map[string]any, out any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return &Error{Op: op, Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/v1/rpc/"+fn, bytes.NewReader(body))
	if err != nil {
		return &Error{Op: op, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	return c.do(req, op, out)
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Op: op, Message: err.Error()}
	}
	c.auth(req)
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Op: op, Status: resp.StatusCode, Message: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
