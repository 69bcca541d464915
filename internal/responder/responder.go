// Package responder produces the automated counterpart's replies.
package responder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/terryong31/nego-lah/internal/model"
)

// DefaultFilePrompt replaces an empty message sent with attachments.
const DefaultFilePrompt = "Please analyze these files."

// File is an attachment forwarded to the responder
type File struct {
	Name string
	Type string
	Data []byte
}

// Request is one turn of a conversation
type Request struct {
	ConversationID string
	Message        string
	ItemID         string
	History        []model.WireMessage
	Files          []File
}

// Responder answers a user message
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// HTTPResponder forwards turns to an external negotiator API
type HTTPResponder struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPResponder creates a responder posting to endpoint.
func NewHTTPResponder(endpoint, apiKey string) *HTTPResponder {
	return &HTTPResponder{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// Respond sends the turn and returns the reply text.
func (r *HTTPResponder) Respond(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(newAPIRequest(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("responder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("responder returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Response, nil
}

// Canned answers without an external service.
type Canned struct {
	Reply string
	// Seller is named in the default replies; empty means "the seller".
	Seller string
}

func (c Canned) Respond(_ context.Context, req Request) (string, error) {
	if c.Reply != "" {
		return c.Reply, nil
	}
	seller := c.Seller
	if seller == "" {
		seller = "The seller"
	}
	if len(req.Files) > 0 {
		return fmt.Sprintf("Thanks, I got %d file(s).\n\n%s will take a look and get back to you.", len(req.Files), seller), nil
	}
	return fmt.Sprintf("Thanks for your message!\n\n%s will get back to you on the price shortly.", seller), nil
}

// EstimateTokens approximates the token count of text at four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

type apiRequest struct {
	ConversationID string    `json:"conversation_id"`
	Message        string    `json:"message"`
	ItemID         string    `json:"item_id,omitempty"`
	History        []apiTurn `json:"history"`
	Files          []apiFile `json:"files,omitempty"`
}

type apiTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiFile struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

type apiResponse struct {
	Response string `json:"response"`
}

func newAPIRequest(req Request) apiRequest {
	msg := req.Message
	if msg == "" && len(req.Files) > 0 {
		msg = DefaultFilePrompt
	}
	out := apiRequest{
		ConversationID: req.ConversationID,
		Message:        msg,
		ItemID:         req.ItemID,
		History:        make([]apiTurn, 0, len(req.History)),
	}
	for _, m := range req.History {
		out.History = append(out.History, apiTurn{Role: m.Role, Content: m.Content})
	}
	for _, f := range req.Files {
		ct := f.Type
		if ct == "" {
			ct = "application/octet-stream"
		}
		out.Files = append(out.Files, apiFile{Name: f.Name, Type: ct, Data: base64.StdEncoding.EncodeToString(f.Data)})
	}
	return out
}
