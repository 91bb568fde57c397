package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Switchboard/core"
	"Switchboard/storage"
)

func testConfig(baseUrl string) *core.Config {
	conf := &core.Config{
		ApiKey:         "test-key",
		BaseUrl:        baseUrl,
		Model:          "test-model",
		ImageModel:     "test-image-model",
		ImageSize:      "256x256",
		SystemPrompt:   "You are helpful.",
		RequestTimeout: 5,
	}
	return conf
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChat(t *testing.T, upstream http.Handler) (*Chat, *storage.MemoryStorage) {
	t.Helper()
	ts := httptest.NewServer(upstream)
	t.Cleanup(ts.Close)
	return newTestChatAt(t, ts.URL)
}

func newTestChatAt(t *testing.T, baseUrl string) (*Chat, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	return NewChat(testConfig(baseUrl), discardLogger(), store), store
}

// decodeRequest runs inside stub handlers, so it reports instead of failing.
func decodeRequest(t *testing.T, r *http.Request) ChatRequest {
	t.Helper()
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decoding upstream request: %v", err)
	}
	return req
}

func isClassify(req ChatRequest) bool {
	return len(req.Messages) > 0 && req.Messages[0].Content == intentInstruction
}

func writeCompletion(w http.ResponseWriter, reply string) {
	completion := ChatCompletion{
		Model: "test-model",
		Choices: []Choice{
			{Message: Message{Role: storage.RoleAssistant, Content: reply}},
		},
	}
	_ = json.NewEncoder(w).Encode(completion)
}

func writeStream(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, chunk := range chunks {
		event := ChatCompletionChunk{
			Choices: []StreamChoice{{Delta: Message{Content: chunk}}},
		}
		payload, _ := json.Marshal(event)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
}

func writeImage(w http.ResponseWriter, url string) {
	response := ImageGenerationResponse{
		Created: time.Now().Unix(),
		Data:    []ImageData{{URL: url}},
	}
	_ = json.NewEncoder(w).Encode(response)
}

func collect(chunks <-chan string) []string {
	var got []string
	for chunk := range chunks {
		got = append(got, chunk)
	}
	return got
}

func TestGetResponseAppendsTurnsInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []ChatRequest

	chat, store := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		last := req.Messages[len(req.Messages)-1]
		writeCompletion(w, "reply to: "+last.Content)
	}))

	ctx := context.Background()

	first, err := chat.GetResponse(ctx, "s2", "hi")
	require.NoError(t, err)
	assert.Equal(t, "reply to: hi", first)

	second, err := chat.GetResponse(ctx, "s2", "what did I just say?")
	require.NoError(t, err)
	assert.Equal(t, "reply to: what did I just say?", second)

	conversation, err := store.GetHistory("s2")
	require.NoError(t, err)
	require.NotNil(t, conversation)
	require.Len(t, conversation.Messages, 4)
	assert.Equal(t, storage.RoleUser, conversation.Messages[0].Role)
	assert.Equal(t, "hi", conversation.Messages[0].Content)
	assert.Equal(t, storage.RoleAssistant, conversation.Messages[1].Role)
	assert.Equal(t, "reply to: hi", conversation.Messages[1].Content)
	assert.Equal(t, storage.RoleUser, conversation.Messages[2].Role)
	assert.Equal(t, storage.RoleAssistant, conversation.Messages[3].Role)

	// The second upstream request must carry the first turn pair as context.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	payload := seen[1].Messages
	assert.Equal(t, storage.RoleSystem, payload[0].Role)
	require.Len(t, payload, 4)
	assert.Equal(t, "hi", payload[1].Content)
	assert.Equal(t, "reply to: hi", payload[2].Content)
	assert.Equal(t, "what did I just say?", payload[3].Content)
}

func TestGetResponsePreambleCarriesFixedTimestamp(t *testing.T) {
	var mu sync.Mutex
	var system string

	chat, _ := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		mu.Lock()
		system = req.Messages[0].Content
		mu.Unlock()
		writeCompletion(w, "ok")
	}))

	_, err := chat.GetResponse(context.Background(), "s1", "hi")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, system, "Beijing time")
	assert.Contains(t, system, "You are helpful.")
}

func TestGetResponseFailureLeavesHistoryUntouched(t *testing.T) {
	chat, store := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))

	_, err := chat.GetResponse(context.Background(), "s1", "hi")
	require.Error(t, err)

	conversation, err := store.GetHistory("s1")
	require.NoError(t, err)
	assert.Nil(t, conversation)
}

func TestGenerateImage(t *testing.T) {
	t.Run("success returns bare url", func(t *testing.T) {
		chat, _ := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/images/generations", r.URL.Path)
			writeImage(w, "https://img.example/cat.png")
		}))

		result := chat.GenerateImage(context.Background(), "a cat")
		assert.Equal(t, "https://img.example/cat.png", result)
		assert.False(t, core.IsErrorMarker(result))
	})

	t.Run("missing credential short-circuits", func(t *testing.T) {
		var upstreamCalled atomic.Bool
		chat, _ := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			upstreamCalled.Store(true)
		}))
		chat.conf.ApiKey = ""

		result := chat.GenerateImage(context.Background(), "a cat")
		assert.True(t, core.IsErrorMarker(result))
		assert.False(t, upstreamCalled.Load())
	})

	t.Run("upstream error status", func(t *testing.T) {
		chat, _ := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ImageGenerationResponse{
				Error: &Error{Message: "prompt rejected"},
			})
		}))

		result := chat.GenerateImage(context.Background(), "a cat")
		assert.True(t, core.IsErrorMarker(result))
		assert.Contains(t, result, "400")
		assert.Contains(t, result, "prompt rejected")
	})

	t.Run("transport crash", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()
		chat, _ := newTestChatAt(t, ts.URL)

		result := chat.GenerateImage(context.Background(), "a cat")
		assert.True(t, core.IsErrorMarker(result))
	})
}

func TestHandleImageRequest(t *testing.T) {
	chat, store := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/images/generations" {
			writeImage(w, "https://img.example/cat.png")
			return
		}
		writeCompletion(w, "IMAGE")
	}))

	response := chat.Handle(context.Background(), "s1", "画一只猫")
	assert.Equal(t, "IMAGE_URL:https://img.example/cat.png", response)

	// Image turns are never written to history.
	conversation, err := store.GetHistory("s1")
	require.NoError(t, err)
	assert.Nil(t, conversation)
}

func TestHandleImageFailureYieldsMarker(t *testing.T) {
	chat, _ := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/images/generations" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ImageGenerationResponse{
				Error: &Error{Message: "prompt rejected"},
			})
			return
		}
		writeCompletion(w, "IMAGE")
	}))

	response := chat.Handle(context.Background(), "s1", "画一只猫")
	assert.True(t, core.IsErrorMarker(response))
	assert.False(t, strings.HasPrefix(response, core.ImageUrlPrefix))
}

func TestHandleTextFailureYieldsFallback(t *testing.T) {
	var classified atomic.Bool
	chat, _ := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if isClassify(req) {
			classified.Store(true)
			writeCompletion(w, "TEXT")
			return
		}
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))

	response := chat.Handle(context.Background(), "s1", "hi")
	assert.True(t, classified.Load())
	assert.Equal(t, core.FallbackResponse, response)
}

func TestHandleCredentialFailureIsNamed(t *testing.T) {
	chat, _ := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if isClassify(req) {
			writeCompletion(w, "TEXT")
			return
		}
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))

	response := chat.Handle(context.Background(), "s1", "hi")
	assert.Contains(t, response, "credentials")
}

func TestHandleStreamDeliversChunksAndHistory(t *testing.T) {
	chat, store := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if isClassify(req) {
			writeCompletion(w, "TEXT")
			return
		}
		assert.True(t, req.Stream)
		writeStream(w, "Hel", "lo")
	}))

	chunks := collect(chat.HandleStream(context.Background(), "s1", "hi"))
	assert.Equal(t, []string{"Hel", "lo"}, chunks)

	conversation, err := store.GetHistory("s1")
	require.NoError(t, err)
	require.NotNil(t, conversation)
	require.Len(t, conversation.Messages, 2)
	assert.Equal(t, "hi", conversation.Messages[0].Content)
	assert.Equal(t, "Hello", conversation.Messages[1].Content)
}

func TestHandleStreamFailureEmitsFinalChunk(t *testing.T) {
	chat, store := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if isClassify(req) {
			writeCompletion(w, "TEXT")
			return
		}
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))

	chunks := collect(chat.HandleStream(context.Background(), "s1", "hi"))
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "error")

	conversation, err := store.GetHistory("s1")
	require.NoError(t, err)
	assert.Nil(t, conversation)
}

func TestHandleStreamImageBranchYieldsSingleElement(t *testing.T) {
	chat, _ := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/images/generations" {
			writeImage(w, "https://img.example/cat.png")
			return
		}
		writeCompletion(w, "IMAGE")
	}))

	chunks := collect(chat.HandleStream(context.Background(), "s1", "画一只猫"))
	assert.Equal(t, []string{"IMAGE_URL:https://img.example/cat.png"}, chunks)
}

// brokenStore fails hard on reads, like a corrupted backing store would.
type brokenStore struct {
	*storage.MemoryStorage
}

func (b *brokenStore) GetHistory(string) (*storage.Conversation, error) {
	panic("corrupted history index")
}

func TestStreamTerminatesAfterDisconnectDespitePanic(t *testing.T) {
	chat, _ := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "TEXT")
	}))
	chat.store = &brokenStore{storage.NewMemoryStorage()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chunks := chat.HandleStream(ctx, "s1", "hi")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-chunks:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream did not terminate after consumer disconnect")
		}
	}
}

func TestConcurrentSameSessionTurnsDoNotInterleave(t *testing.T) {
	chat, store := newTestChat(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		last := req.Messages[len(req.Messages)-1]
		time.Sleep(10 * time.Millisecond)
		writeCompletion(w, "reply to: "+last.Content)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := chat.GetResponse(context.Background(), "s1", fmt.Sprintf("q%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	conversation, err := store.GetHistory("s1")
	require.NoError(t, err)
	require.NotNil(t, conversation)
	require.Len(t, conversation.Messages, 8)
	// Turns stay paired: every user message is followed by its reply.
	for i := 0; i < len(conversation.Messages); i += 2 {
		user := conversation.Messages[i]
		reply := conversation.Messages[i+1]
		assert.Equal(t, storage.RoleUser, user.Role)
		assert.Equal(t, storage.RoleAssistant, reply.Role)
		assert.Equal(t, "reply to: "+user.Content, reply.Content)
	}
}
