package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"Switchboard/core"
	"Switchboard/lib/sl"
	"Switchboard/storage"
)

type Chat struct {
	conf       *core.Config
	log        *slog.Logger
	store      storage.HistoryStorage
	httpClient *http.Client
	preamble   string
	locks      sync.Map // map[string]*sync.Mutex, one per session
}

func NewChat(conf *core.Config, log *slog.Logger, store storage.HistoryStorage) *Chat {
	// Beijing time is rendered once at construction and stays in the
	// preamble for the process lifetime.
	beijing := time.Now().UTC().Add(8 * time.Hour).Format("2006-01-02 15:04:05")
	return &Chat{
		conf:  conf,
		log:   log.With(sl.Module("chat")),
		store: store,
		httpClient: &http.Client{
			Timeout: time.Duration(conf.RequestTimeout) * time.Second,
		},
		preamble: fmt.Sprintf("Current Beijing time is %s. %s", beijing, conf.SystemPrompt),
	}
}

// Handle routes one message: classify intent, invoke the matching responder
// and always return a well-formed payload. Nothing raised below this point
// ever reaches the boundary.
func (c *Chat) Handle(ctx context.Context, sessionId, question string) (response string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered while handling message", slog.Any("panic", r))
			response = core.FallbackResponse
		}
	}()

	if c.DetectImageIntent(ctx, question) == IntentImage {
		result := c.GenerateImage(ctx, question)
		if core.IsErrorMarker(result) {
			return result
		}
		return core.TagImageUrl(result)
	}

	response, err := c.GetResponse(ctx, sessionId, question)
	if err != nil {
		c.log.With(sl.Session(sessionId)).Error("getting response", sl.Err(err))
		return core.FailureMessage(err)
	}
	return response
}

// HandleStream is the streaming variant of Handle. The image branch yields a
// single element; the text branch yields incremental chunks. The channel is
// always closed by the producer.
func (c *Chat) HandleStream(ctx context.Context, sessionId, question string) <-chan string {
	if c.DetectImageIntent(ctx, question) == IntentImage {
		out := make(chan string, 1)
		result := c.GenerateImage(ctx, question)
		if !core.IsErrorMarker(result) {
			result = core.TagImageUrl(result)
		}
		out <- result
		close(out)
		return out
	}
	return c.StreamResponse(ctx, sessionId, question)
}

// GetResponse runs one conversational turn: preamble + stored history + the
// new question. Both turns are appended only after the model call succeeds,
// so a failed call leaves history untouched.
func (c *Chat) GetResponse(ctx context.Context, sessionId, question string) (string, error) {
	lock := c.sessionLock(sessionId)
	lock.Lock()
	defer lock.Unlock()

	messages := c.composeMessages(sessionId, question)

	response, err := c.complete(ctx, messages)
	if err != nil {
		return "", err
	}

	c.appendTurn(sessionId, storage.RoleUser, question)
	c.appendTurn(sessionId, storage.RoleAssistant, response)

	logText := response
	if len(logText) > 50 {
		logText = logText[:50] + "..."
	}
	c.log.With(
		sl.Session(sessionId),
		slog.String("text", logText),
	).Info("outgoing message")

	return response, nil
}

// StreamResponse runs one conversational turn against the streaming endpoint
// and yields chunks as they arrive. A mid-stream failure becomes one final
// descriptive chunk; history is written only after the stream completed.
func (c *Chat) StreamResponse(ctx context.Context, sessionId, question string) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("recovered while streaming", slog.Any("panic", r))
				select {
				case out <- core.FallbackResponse:
				case <-ctx.Done():
				}
			}
		}()

		lock := c.sessionLock(sessionId)
		lock.Lock()
		defer lock.Unlock()

		messages := c.composeMessages(sessionId, question)

		full, err := c.completeStream(ctx, messages, func(chunk string) {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		})
		if err != nil {
			c.log.With(sl.Session(sessionId)).Error("streaming response", sl.Err(err))
			select {
			case out <- fmt.Sprintf("%s (error: %v)", core.FailureMessage(err), err):
			case <-ctx.Done():
			}
			return
		}

		c.appendTurn(sessionId, storage.RoleUser, question)
		c.appendTurn(sessionId, storage.RoleAssistant, full)
	}()

	return out
}

// GenerateImage asks for a single image and reports every failure as a marker
// value, never as an error. One attempt, no retries.
func (c *Chat) GenerateImage(ctx context.Context, prompt string) string {
	if c.conf.ApiKey == "" {
		return core.CredentialError()
	}

	request := NewImageRequest(c.conf.ImageModel, c.conf.ImageSize, prompt)
	jsonBytes, err := json.Marshal(request)
	if err != nil {
		return core.CrashError(err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.conf.BaseUrl+"/images/generations", strings.NewReader(string(jsonBytes)))
	if err != nil {
		return core.CrashError(err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.conf.ApiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.CrashError(err)
	}
	defer c.closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.CrashError(err)
	}

	var generated ImageGenerationResponse
	if err := json.Unmarshal(body, &generated); err != nil {
		return core.CrashError(err)
	}

	if generated.Error != nil && generated.Error.Message != "" {
		return core.UpstreamError(resp.StatusCode, generated.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return core.UpstreamError(resp.StatusCode, string(body))
	}
	if len(generated.Data) == 0 {
		return core.UpstreamError(resp.StatusCode, "empty data in response")
	}

	c.log.Info("image generated", slog.String("model", c.conf.ImageModel))
	return generated.Data[0].URL
}

func (c *Chat) ClearHistory(sessionId string) {
	if err := c.store.ClearHistory(sessionId); err != nil {
		c.log.With(sl.Session(sessionId)).Error("clearing history", sl.Err(err))
	}
}

func (c *Chat) Close() error {
	return c.store.Close()
}

// sessionLock serializes the read-compose-append sequence per session, so
// concurrent requests for the same session cannot interleave turns.
func (c *Chat) sessionLock(sessionId string) *sync.Mutex {
	lock, _ := c.locks.LoadOrStore(sessionId, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// composeMessages builds the upstream message list: system preamble, stored
// history, new question. A failed history read degrades to an empty context.
func (c *Chat) composeMessages(sessionId, question string) []Message {
	messages := []Message{{Role: storage.RoleSystem, Content: c.preamble}}

	conversation, err := c.store.GetHistory(sessionId)
	if err != nil {
		c.log.With(sl.Session(sessionId)).Warn("reading history, continuing without context", sl.Err(err))
		conversation = nil
	}
	if conversation != nil {
		for _, m := range conversation.Messages {
			messages = append(messages, Message{Role: m.Role, Content: m.Content})
		}
	}

	return append(messages, Message{Role: storage.RoleUser, Content: question})
}

// appendTurn is best-effort: a failed write drops the turn and is only logged,
// the generated reply still goes out.
func (c *Chat) appendTurn(sessionId, role, content string) {
	err := c.store.AppendMessage(sessionId, storage.Message{Role: role, Content: content})
	if err != nil {
		c.log.With(sl.Session(sessionId)).Error("appending turn", sl.Err(err))
	}
}

func (c *Chat) complete(ctx context.Context, messages []Message) (string, error) {
	request := NewRequest(c.conf.Model, messages)
	jsonBytes, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.conf.BaseUrl+"/chat/completions", strings.NewReader(string(jsonBytes)))
	if err != nil {
		return "", fmt.Errorf("making request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.conf.ApiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("getting response: %w", err)
	}
	defer c.closeBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}

	var chatCompletion ChatCompletion
	if err := json.Unmarshal(body, &chatCompletion); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if chatCompletion.Error != nil && chatCompletion.Error.Message != "" {
		return "", fmt.Errorf("completion error (status %d): %s", resp.StatusCode, chatCompletion.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion status %d: %s", resp.StatusCode, string(body))
	}
	if len(chatCompletion.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}

	return chatCompletion.Choices[0].Message.Content, nil
}

// completeStream issues a streaming completion and calls emit for every delta.
// Returns the accumulated reply once the upstream stream finished cleanly.
func (c *Chat) completeStream(ctx context.Context, messages []Message, emit func(string)) (string, error) {
	request := NewRequest(c.conf.Model, messages)
	request.Stream = true
	jsonBytes, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.conf.BaseUrl+"/chat/completions", strings.NewReader(string(jsonBytes)))
	if err != nil {
		return "", fmt.Errorf("making request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.conf.ApiKey))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("getting response: %w", err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("completion status %d: %s", resp.StatusCode, string(body))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("decoding stream event: %w", err)
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return "", fmt.Errorf("completion error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			emit(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}
	if full.Len() == 0 {
		return "", fmt.Errorf("chat completion: empty stream")
	}

	return full.String(), nil
}

func (c *Chat) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.log.Error("closing response body", sl.Err(err))
	}
}
