package content

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGenerator_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var in GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "welcome", in.Purpose)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Generated{Subject: "Hello", HTMLBody: "<p>Hello</p>"})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "key", time.Second)
	out, err := g.Generate(context.Background(), GenerateRequest{Purpose: "welcome", Topic: "store"})
	require.NoError(t, err)
	assert.Equal(t, Generated{Subject: "Hello", HTMLBody: "<p>Hello</p>"}, out)
}

func TestHTTPGenerator_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL, "", time.Second).Generate(context.Background(), GenerateRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPGenerator_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPGenerator(srv.URL, "", 50*time.Millisecond).Generate(context.Background(), GenerateRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
