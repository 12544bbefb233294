package personalization

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClient_WeakAreas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/user-42/weak-areas", r.URL.Path)
		_ = json.NewEncoder(w).Encode(weakAreasResponse{WeakAreas: []WeakArea{
			{Topic: "dynamic programming", AverageScore: 2.1},
			{Topic: "graphs", AverageScore: 2.8},
		}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, zap.NewNop())
	areas, err := client.WeakAreas(context.Background(), "user-42")

	require.NoError(t, err)
	require.Len(t, areas, 2)
	assert.Equal(t, "dynamic programming", areas[0].Topic)
}

func TestClient_WeakAreas_UnknownUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, zap.NewNop())
	areas, err := client.WeakAreas(context.Background(), "ghost")

	require.NoError(t, err)
	assert.Empty(t, areas)
}

func TestPromptFragment(t *testing.T) {
	t.Run("empty input yields empty fragment", func(t *testing.T) {
		assert.Equal(t, "", PromptFragment(nil))
	})

	t.Run("topics joined in order", func(t *testing.T) {
		got := PromptFragment([]WeakArea{
			{Topic: "recursion", AverageScore: 1.5},
			{Topic: "bit manipulation", AverageScore: 2.0},
		})

		want := "\n\n**PERSONALIZATION**: The user has shown weakness in: recursion, bit manipulation. Please provide extra detailed explanations for these topics."
		assert.Equal(t, want, got)
	})
}
