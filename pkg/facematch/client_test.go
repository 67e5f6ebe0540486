package facematch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/score", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body scoreBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		enc, err := base64.StdEncoding.DecodeString(body.Encoding)
		require.NoError(t, err)
		img, err := base64.StdEncoding.DecodeString(body.Image)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, enc)
		assert.Equal(t, []byte("jpeg-bytes"), img)
		assert.Equal(t, "camera", body.Profile)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score":0.83,"face_found":true,"model":"arcface-r100"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL+"/"))
	got, err := client.Score(context.Background(), ScoreRequest{
		Encoding: []byte{1, 2, 3},
		Image:    []byte("jpeg-bytes"),
		Profile:  "camera",
	})

	require.NoError(t, err)
	assert.InDelta(t, 0.83, got.Score, 1e-9)
	assert.True(t, got.FaceFound)
	assert.Equal(t, "arcface-r100", got.ModelID)
}

func TestScore_NoAuthHeaderWithoutKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"score":0.1}`))
	}))
	defer srv.Close()

	_, err := NewClient("", WithBaseURL(srv.URL)).Score(context.Background(), ScoreRequest{Encoding: []byte("e"), Image: []byte("i")})
	require.NoError(t, err)
}

func TestScore_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"no face detected in image"}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Score(context.Background(), ScoreRequest{Encoding: []byte("e"), Image: []byte("i")})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "no face detected in image", apiErr.Message)
}

func TestScore_PlainTextError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Score(context.Background(), ScoreRequest{Encoding: []byte("e"), Image: []byte("i")})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream overloaded", apiErr.Message)
}

func TestScore_OutOfRange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score":1.4}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Score(context.Background(), ScoreRequest{Encoding: []byte("e"), Image: []byte("i")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestScore_InvalidJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Score(context.Background(), ScoreRequest{Encoding: []byte("e"), Image: []byte("i")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestScore_EmptyInputs(t *testing.T) {
	t.Parallel()

	client := NewClient("k", WithBaseURL("http://127.0.0.1:1"))
	_, err := client.Score(context.Background(), ScoreRequest{Image: []byte("i")})
	assert.ErrorContains(t, err, "empty encoding")
	_, err = client.Score(context.Background(), ScoreRequest{Encoding: []byte("e")})
	assert.ErrorContains(t, err, "empty image")
}

func TestScore_Timeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), WithTimeout(50*time.Millisecond))
	_, err := client.Score(context.Background(), ScoreRequest{Encoding: []byte("e"), Image: []byte("i")})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	require.NoError(t, client.Health(context.Background()))

	healthy.Store(false)
	assert.Error(t, client.Health(context.Background()))
}
