package chatapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"servicechat/internal/chaterr"
	"servicechat/internal/metrics"
	"servicechat/internal/models"
	"servicechat/pkg/httputil"
)

// Client talks to the chat REST collaborator.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a new chat REST client. token is attached as a bearer
// credential on every request; timeout bounds each call.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("chat API baseURL cannot be empty")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("chat API timeout must be positive, got %s", timeout)
	}

	client := httputil.NewRestyClient(baseURL, token, timeout)

	log.Info().Str("baseURL", baseURL).Dur("timeout", timeout).Msg("Chat API client configured")

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
	}, nil
}

// ListConversations returns the conversations of selfID in server order.
func (c *Client) ListConversations(ctx context.Context, selfID int64) ([]models.Conversation, error) {
	const op = "list conversations"
	var conversations []models.Conversation

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("selfId", strconv.FormatInt(selfID, 10)).
		SetResult(&conversations).
		Get(pathConversations)
	if err := c.check(op, chaterr.KindFetch, resp, err); err != nil {
		return nil, err
	}

	log.Debug().Int64("selfID", selfID).Int("conversationCount", len(conversations)).Msg("Chat API: conversations listed")
	return conversations, nil
}

// FetchMessages returns one page of a conversation's history, newest
// first. Page 0 holds the most recent messages.
func (c *Client) FetchMessages(ctx context.Context, chatID int64, page, size int) ([]models.Message, error) {
	const op = "fetch messages"
	var messages []models.Message

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("chatId", strconv.FormatInt(chatID, 10)).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("size", strconv.Itoa(size)).
		SetResult(&messages).
		Get(pathMessages)
	if err := c.check(op, chaterr.KindFetch, resp, err); err != nil {
		return nil, err
	}

	log.Debug().Int64("chatID", chatID).Int("page", page).Int("size", size).Int("messageCount", len(messages)).Msg("Chat API: message page fetched")
	return messages, nil
}

// SendMessage posts a new message and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error) {
	const op = "send message"

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&models.Message{}).
		Post(pathSend)
	if err := c.check(op, chaterr.KindSend, resp, err); err != nil {
		log.Error().Err(err).Int64("chatID", req.ChatID).Msg("Chat API: SendMessage failed")
		return nil, err
	}

	message, ok := resp.Result().(*models.Message)
	if !ok || message.ID <= 0 {
		err := chaterr.New(chaterr.KindSend, op, errors.New("response without id"))
		log.Error().Err(err).Int("statusCode", resp.StatusCode()).Msg("Chat API: SendMessage returned no message")
		return nil, err
	}
	log.Info().Int64("messageID", message.ID).Int64("chatID", req.ChatID).Msg("Chat API: message sent")
	return message, nil
}

// EditMessage replaces the content of messageID on behalf of userID. The
// request body is the raw new content.
func (c *Client) EditMessage(ctx context.Context, messageID, userID int64, content string) (*models.Message, error) {
	const op = "edit message"

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("messageId", strconv.FormatInt(messageID, 10)).
		SetQueryParam("userId", strconv.FormatInt(userID, 10)).
		SetHeader("Content-Type", "text/plain").
		SetBody(content).
		SetResult(&models.Message{}).
		Put(pathEdit)
	if err := c.check(op, chaterr.KindSend, resp, err); err != nil {
		log.Error().Err(err).Int64("messageID", messageID).Msg("Chat API: EditMessage failed")
		return nil, err
	}

	message, ok := resp.Result().(*models.Message)
	if !ok || message.ID <= 0 {
		err := chaterr.New(chaterr.KindSend, op, errors.New("response without id"))
		log.Error().Err(err).Int("statusCode", resp.StatusCode()).Msg("Chat API: EditMessage returned no message")
		return nil, err
	}
	log.Info().Int64("messageID", messageID).Msg("Chat API: message edited")
	return message, nil
}

// DeleteMessage soft-deletes messageID on behalf of userID.
func (c *Client) DeleteMessage(ctx context.Context, messageID, userID int64) error {
	const op = "delete message"

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("messageId", strconv.FormatInt(messageID, 10)).
		SetQueryParam("userId", strconv.FormatInt(userID, 10)).
		Delete(pathDelete)
	if err := c.check(op, chaterr.KindSend, resp, err); err != nil {
		log.Error().Err(err).Int64("messageID", messageID).Msg("Chat API: DeleteMessage failed")
		return err
	}

	log.Info().Int64("messageID", messageID).Msg("Chat API: message deleted")
	return nil
}

// CreateConversation opens a conversation between a customer and an
// employee.
func (c *Client) CreateConversation(ctx context.Context, customerID, employeeID int64) (*models.Conversation, error) {
	const op = "create conversation"

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("customerId", strconv.FormatInt(customerID, 10)).
		SetQueryParam("employeeId", strconv.FormatInt(employeeID, 10)).
		SetResult(&models.Conversation{}).
		Post(pathCreate)
	if err := c.check(op, chaterr.KindSend, resp, err); err != nil {
		log.Error().Err(err).Int64("customerID", customerID).Int64("employeeID", employeeID).Msg("Chat API: CreateConversation failed")
		return nil, err
	}

	conversation, ok := resp.Result().(*models.Conversation)
	if !ok || conversation.ID <= 0 {
		err := chaterr.New(chaterr.KindSend, op, errors.New("response without id"))
		log.Error().Err(err).Int("statusCode", resp.StatusCode()).Msg("Chat API: CreateConversation returned no conversation")
		return nil, err
	}
	log.Info().Int64("conversationID", conversation.ID).Int64("customerID", customerID).Int64("employeeID", employeeID).Msg("Chat API: conversation created")
	return conversation, nil
}

// ListCustomQuestions returns the canned-question catalog.
func (c *Client) ListCustomQuestions(ctx context.Context) ([]models.CustomQuestion, error) {
	const op = "list custom questions"
	var questions []models.CustomQuestion

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&questions).
		Get(pathCustomQuestions)
	if err := c.check(op, chaterr.KindFetch, resp, err); err != nil {
		return nil, err
	}

	log.Debug().Int("questionCount", len(questions)).Msg("Chat API: custom questions listed")
	return questions, nil
}

// check classifies a finished request. Deadline failures become Timeout
// errors, other failures become errors of kind.
func (c *Client) check(op string, kind chaterr.Kind, resp *resty.Response, err error) error {
	if err != nil {
		if httputil.IsTimeout(err) {
			metrics.RESTRequests.WithLabelValues(op, "timeout").Inc()
			log.Warn().Err(err).Str("op", op).Msg("Chat API: request timed out")
			return chaterr.New(chaterr.KindTimeout, op, err)
		}
		metrics.RESTRequests.WithLabelValues(op, "transport_error").Inc()
		log.Error().Err(err).Str("op", op).Msg("Chat API: request failed")
		return chaterr.New(kind, op, fmt.Errorf("request failed: %w", err))
	}
	if resp.IsError() {
		metrics.RESTRequests.WithLabelValues(op, "http_error").Inc()
		log.Error().
			Str("op", op).
			Str("url", resp.Request.URL).
			Int("statusCode", resp.StatusCode()).
			Str("responseBody", string(resp.Body())).
			Msg("Chat API: request returned an error")
		return chaterr.New(kind, op, fmt.Errorf("status %s, body: %s", resp.Status(), resp.String()))
	}
	metrics.RESTRequests.WithLabelValues(op, "ok").Inc()
	return nil
}
