package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/terryong31/nego-lah/internal/model"
)

// ErrStreamIncomplete is returned when a response stream closes before its
// terminal event.
var ErrStreamIncomplete = errors.New("stream ended without a final response")

// maxEventSize bounds a single server-sent event line.
const maxEventSize = 1 << 20

// StatusError is a non-success answer from the backend
type StatusError struct {
	Op     string
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Detail)
}

// File is an attachment uploaded with a message
type File struct {
	Name string
	Type string
	Data []byte
}

// SendRequest is one outgoing user message
type SendRequest struct {
	ConversationID string
	Message        string
	ItemID         string
	Files          []File
}

// StreamEvent is one server-sent event of the streaming send endpoint
type StreamEvent struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// Client talks to the chat REST backend
type Client struct {
	baseURL string
	http    *http.Client
	admin   bool
}

// New creates a Client for the user-facing endpoints.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// NewAdmin creates a Client that reads history through the admin endpoints.
func NewAdmin(baseURL string, httpClient *http.Client) *Client {
	c := New(baseURL, httpClient)
	c.admin = true
	return c
}

// History fetches one page of a conversation, oldest first. offset counts
// rows back from the newest one.
func (c *Client) History(ctx context.Context, conversationID string, limit, offset int) ([]model.WireMessage, error) {
	path := "/chat/history/"
	if c.admin {
		path = "/admin/chats/"
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var out struct {
		Messages []model.WireMessage `json:"messages"`
	}
	if err := c.doJSON(ctx, "history", http.MethodGet, path+url.PathEscape(conversationID)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Settings fetches the per-conversation chat settings.
func (c *Client) Settings(ctx context.Context, conversationID string) (model.Settings, error) {
	var out model.Settings
	err := c.doJSON(ctx, "settings", http.MethodGet, "/chat/settings/"+url.PathEscape(conversationID), nil, &out)
	return out, err
}

// Clear deletes the stored history of a conversation.
func (c *Client) Clear(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, "clear history", http.MethodDelete, "/chat/history/"+url.PathEscape(conversationID), nil, nil)
}

// Send posts a message to the non-streaming endpoint and returns the full
// response text. Attachments are not forwarded.
func (c *Client) Send(ctx context.Context, req SendRequest) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	if err := c.doJSON(ctx, "send", http.MethodPost, "/chat", jsonBody(req), &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// Stream posts a message to the streaming endpoint and waits for the
// terminal event. Interim events are discarded.
func (c *Client) Stream(ctx context.Context, req SendRequest) (string, error) {
	body, contentType, err := encodeSend(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError("stream", resp)
	}
	return ReadStream(resp.Body)
}

// ReadStream consumes "data:" lines until an event with done=true arrives
// and returns its content.
func ReadStream(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			continue
		}
		if ev.Done {
			return ev.Content, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	return "", ErrStreamIncomplete
}

// AdminSend stores a message written by the admin.
func (c *Client) AdminSend(ctx context.Context, conversationID, message string) error {
	payload := map[string]string{"message": message}
	return c.doJSON(ctx, "admin send", http.MethodPost, "/admin/chats/"+url.PathEscape(conversationID)+"/message", payload, nil)
}

// SetAI enables or disables automated responses for a conversation.
func (c *Client) SetAI(ctx context.Context, conversationID string, enabled bool) error {
	payload := map[string]bool{"ai_enabled": enabled}
	return c.doJSON(ctx, "toggle ai", http.MethodPut, "/admin/users/"+url.PathEscape(conversationID)+"/ai", payload, nil)
}

// Chats lists the conversations known to the backend.
func (c *Client) Chats(ctx context.Context) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	err := c.doJSON(ctx, "list chats", http.MethodGet, "/admin/chats", nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)
	detail := body.Error
	if detail == "" {
		detail = body.Detail
	}
	return &StatusError{Op: op, Status: resp.StatusCode, Detail: detail}
}

func jsonBody(req SendRequest) map[string]string {
	body := map[string]string{
		"conversation_id": req.ConversationID,
		"message":         req.Message,
	}
	if req.ItemID != "" {
		body["item_id"] = req.ItemID
	}
	return body
}

// encodeSend builds a JSON body, or a multipart form when files are attached.
func encodeSend(req SendRequest) (io.Reader, string, error) {
	if len(req.Files) == 0 {
		b, err := json.Marshal(jsonBody(req))
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(b), "application/json", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range jsonBody(req) {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	for _, f := range req.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		ct := f.Type
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
