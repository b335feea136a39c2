// Package loopline is a Go client for the Loopline chat service.
//
// The core of the package is the message synchronization engine: a
// Connection Manager owning the persistent realtime socket with bounded
// reconnection backoff, a Reconciliation Engine merging optimistic local
// mutations with server-authoritative events, an ordered deduplicated
// Message Store, and a Fallback Synchronizer that bounds staleness with
// periodic full re-fetches while the socket is down.
//
// Example:
//
//	session := &loopline.Session{Token: token, UserID: me}
//	rest := loopline.NewClient("https://chat.example.com", session)
//	conn := loopline.NewConnManager(loopline.ConnConfig{
//		URL:     loopline.WebsocketURL("https://chat.example.com"),
//		Session: session,
//	})
//	engine := loopline.NewEngine(loopline.EngineConfig{
//		Session: session, Conn: conn, Rest: rest, Peer: peerID,
//	})
//	go engine.Run(ctx)
//	conn.Connect(ctx)
package loopline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAuthExpired means the server rejected the bearer token (401).
	// The session is invalid; recovery requires re-authentication outside
	// the synchronization engine.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrForbidden is an authorization failure (403), distinct from an
	// expired session.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means the target does not exist (404); it is an invalid
	// request, not a transient failure.
	ErrNotFound = errors.New("not found")
)

// APIError is a structured error reported by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// REST client
// ============================================================================

// Client is the REST fallback client. Every call carries the session's
// bearer token.
type Client struct {
	baseURL    string
	session    *Session
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client bound to the given session.
func NewClient(baseURL string, session *Session, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.session.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	return c.decodeResponse(method, path, resp, out)
}

func (c *Client) decodeResponse(method, path string, resp *http.Response, out any) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w", method, path, ErrAuthExpired)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", method, path, ErrForbidden)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(resp.Body)
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %w", method, path, &apiErr)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// ============================================================================
// Endpoints
// ============================================================================

// MessageRecord is the wire shape of a message in REST responses. Field
// names match the realtime message frame so both transports feed the same
// merge path.
type MessageRecord struct {
	MessageID  string `json:"message_id"`
	TempID     string `json:"temp_id,omitempty"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	MediaType  string `json:"media_type,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	CreatedAt  string `json:"created_at"`
	EditedAt   string `json:"edited_at,omitempty"`
	Edited     bool   `json:"edited,omitempty"`
}

// FetchConversation returns the full message history between two users.
func (c *Client) FetchConversation(ctx context.Context, userID, peerID string) ([]MessageRecord, error) {
	var records []MessageRecord
	if err := c.doRequest(ctx, "GET", "/api/messages/"+userID+"/"+peerID, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// EditMessage replaces a message's text by canonical id.
func (c *Client) EditMessage(ctx context.Context, messageID, text string) error {
	return c.doRequest(ctx, "PUT", "/api/messages/"+messageID,
		map[string]string{"text": text}, nil)
}

// DeleteMessage removes a message by canonical id.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.doRequest(ctx, "DELETE", "/api/messages/"+messageID, nil, nil)
}

type userRecord struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsOnline    bool   `json:"is_online"`
}

// FetchUsers returns the user roster.
func (c *Client) FetchUsers(ctx context.Context) ([]User, error) {
	var records []userRecord
	if err := c.doRequest(ctx, "GET", "/api/users", nil, &records); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(records))
	for _, r := range records {
		if !ValidID(r.UserID) {
			c.log.Warn().Str("user_id", r.UserID).Msg("dropping roster entry with malformed id")
			continue
		}
		users = append(users, User{ID: r.UserID, DisplayName: r.DisplayName, Online: r.IsOnline})
	}
	return users, nil
}

// UploadFile uploads a file and returns the completed descriptor the
// engine needs to attach it to a message.
func (c *Client) UploadFile(ctx context.Context, fileName string, data []byte) (*Media, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write file data: %w", err)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.session.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		URL       string `json:"url"`
		MediaType string `json:"media_type"`
		FileName  string `json:"file_name"`
	}
	if err := c.decodeResponse("POST", "/api/upload", resp, &result); err != nil {
		return nil, err
	}
	if result.URL == "" {
		return nil, fmt.Errorf("upload: server returned no url")
	}
	kind := result.MediaType
	if kind == "" {
		kind = guessMediaKind(fileName)
	}
	name := result.FileName
	if name == "" {
		name = fileName
	}
	return &Media{URL: result.URL, Kind: kind, FileName: name}, nil
}

// guessMediaKind maps a file name to a coarse media kind.
func guessMediaKind(fileName string) string {
	t := mime.TypeByExtension(filepath.Ext(fileName))
	switch {
	case strings.HasPrefix(t, "image/"):
		return "image"
	case strings.HasPrefix(t, "video/"):
		return "video"
	case strings.HasPrefix(t, "audio/"):
		return "audio"
	}
	return "file"
}
