package actions

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"chatkit/pkg/logger"
	"chatkit/pkg/models"
	"chatkit/pkg/transport"
)

// Client turns domain calls into HTTP requests against the chat server
// and decodes the {"error": ...} / {"data": ...} envelope. Methods block
// the calling worker until the underlying request loop resolves; the
// session runs them on its dedicated action worker, never on the
// session executor.
type Client struct {
	loop *transport.Loop
}

// NewClient wraps a request loop.
func NewClient(loop *transport.Loop) *Client {
	return &Client{loop: loop}
}

func (c *Client) perform(action Kind, req *transport.Request, out any) error {
	body, err := c.loop.Perform(req)
	if err != nil {
		return err
	}
	var envelope struct {
		Error string          `json:"error"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	if envelope.Error != "" {
		return mapCode(action, envelope.Error)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode %s payload: %w", action, err)
		}
	}
	return nil
}

// SendMessage submits a visitor text message. The client-side id makes
// the call idempotent server-side: resubmitting after a retried request
// never duplicates the message.
func (c *Client) SendMessage(clientID, text, replyTo string) error {
	params := url.Values{}
	params.Set("action", "chat.message")
	params.Set("client-side-id", clientID)
	params.Set("message", text)
	if replyTo != "" {
		params.Set("reply-to", replyTo)
	}
	logger.Debug("action_send_message", "params", logger.SafeParams(params))
	return c.perform(KindSend, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/action",
		Params: params,
	}, nil)
}

// EditMessage replaces the text of a previously sent message.
func (c *Client) EditMessage(serverID, text string) error {
	params := url.Values{}
	params.Set("action", "chat.edit_message")
	params.Set("id", serverID)
	params.Set("message", text)
	return c.perform(KindEdit, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/action",
		Params: params,
	}, nil)
}

// DeleteMessage removes a previously sent message.
func (c *Client) DeleteMessage(serverID string) error {
	params := url.Values{}
	params.Set("action", "chat.delete_message")
	params.Set("id", serverID)
	return c.perform(KindDelete, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/action",
		Params: params,
	}, nil)
}

// React sets or clears a visitor reaction on a message.
func (c *Client) React(serverID, reaction string) error {
	params := url.Values{}
	params.Set("action", "chat.react_message")
	params.Set("id", serverID)
	params.Set("reaction", reaction)
	return c.perform(KindReact, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/action",
		Params: params,
	}, nil)
}

// RateOperator submits a 1..5 rating for the given operator.
func (c *Client) RateOperator(operatorID string, rating int) error {
	params := url.Values{}
	params.Set("action", "chat.operator_rate_select")
	params.Set("operator-id", operatorID)
	params.Set("rate", strconv.Itoa(rating))
	return c.perform(KindRate, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/action",
		Params: params,
	}, nil)
}

// SendKeyboardResponse answers a bot keyboard.
func (c *Client) SendKeyboardResponse(requestID, buttonID string) error {
	params := url.Values{}
	params.Set("action", "chat.keyboard_response")
	params.Set("request-id", requestID)
	params.Set("button-id", buttonID)
	return c.perform(KindKeyboard, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/action",
		Params: params,
	}, nil)
}

// UploadFile sends the single file field plus form parameters as a
// multipart request and returns the stored attachment descriptor.
func (c *Client) UploadFile(clientID, fileName, contentType string, data []byte) (*models.Attachment, error) {
	params := url.Values{}
	params.Set("client-side-id", clientID)
	var att models.Attachment
	err := c.perform(KindUpload, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/upload",
		Params: params,
		File: &transport.FileUpload{
			FieldName:   "file",
			FileName:    fileName,
			ContentType: contentType,
			Data:        data,
		},
	}, &att)
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// MarkRead reports that the visitor has read the chat up to now.
func (c *Client) MarkRead() error {
	params := url.Values{}
	params.Set("action", "chat.read_by_visitor")
	return c.perform(KindRead, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/action",
		Params: params,
	}, nil)
}

// StartChat opens a chat explicitly (normally the first message does).
func (c *Client) StartChat(clientSideChatID string) error {
	params := url.Values{}
	params.Set("action", "chat.start")
	params.Set("client-side-id", clientSideChatID)
	return c.perform(KindChat, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/action",
		Params: params,
	}, nil)
}

// CloseChat closes the current chat from the visitor side.
func (c *Client) CloseChat() error {
	params := url.Values{}
	params.Set("action", "chat.close")
	return c.perform(KindChat, &transport.Request{
		Method: http.MethodPost,
		Path:   "/v1/action",
		Params: params,
	}, nil)
}

// DeltaSince polls the delta stream from the given revision. Run on the
// delta loop, never the action loop, so polling and actions never block
// each other.
func (c *Client) DeltaSince(revision string, timeoutSeconds int) (models.DeltaBatch, error) {
	params := url.Values{}
	params.Set("since", revision)
	if timeoutSeconds > 0 {
		params.Set("timeout", strconv.Itoa(timeoutSeconds))
	}
	var batch models.DeltaBatch
	err := c.perform(KindHistory, &transport.Request{
		Method: http.MethodGet,
		Path:   "/v1/delta",
		Params: params,
	}, &batch)
	return batch, err
}

// HistoryBefore fetches up to limit messages older than tsMicros.
func (c *Client) HistoryBefore(tsMicros int64, limit int) (models.HistoryBatch, error) {
	params := url.Values{}
	params.Set("before-ts", strconv.FormatInt(tsMicros, 10))
	params.Set("limit", strconv.Itoa(limit))
	var batch models.HistoryBatch
	err := c.perform(KindHistory, &transport.Request{
		Method: http.MethodGet,
		Path:   "/v1/history",
		Params: params,
	}, &batch)
	return batch, err
}
