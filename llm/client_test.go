package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "test-key", "gpt-test")
}

func TestCallWithMessages_ReturnsAssistantContent(t *testing.T) {
	c := newMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		assert.Len(t, req.Messages, 2)

		json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: `{"decisions":[]}`}}},
		})
	})

	out, err := c.CallWithMessages("system", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"decisions":[]}`, out)
}

func TestCallWithMessages_SurfacesAPIError(t *testing.T) {
	c := newMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{Error: &struct {
			Message string `json:"message"`
		}{Message: "rate limited"}})
	})

	_, err := c.CallWithMessages("system", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCallWithMessages_ErrorsOnEmptyChoices(t *testing.T) {
	c := newMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{})
	})

	_, err := c.CallWithMessages("system", "user")
	require.Error(t, err)
}
