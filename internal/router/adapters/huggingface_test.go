package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

func TestHuggingFace_InvokeAndStream(t *testing.T) {
	var req hfRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/mistralai/Mistral-7B-Instruct-v0.3" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer hf_testtoken123" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&req)
		fmt.Fprint(w, `[{"generated_text":"generated"}]`)
	}))
	defer srv.Close()

	a := NewHuggingFaceAdapter("hf", config.ProviderConfig{BaseURL: srv.URL}, srv.Client())

	res, err := a.Invoke(context.Background(), types.GenerationRequest{Prompt: "p"}, "mistralai/Mistral-7B-Instruct-v0.3", "hf_testtoken123")
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Text != "generated" {
		t.Errorf("unexpected text %q", res.Text)
	}
	if req.Parameters.MaxNewTokens != 2048 || req.Parameters.ReturnFullText {
		t.Errorf("unexpected parameters %+v", req.Parameters)
	}

	stream, err := a.InvokeStream(context.Background(), types.GenerationRequest{Prompt: "p"}, "mistralai/Mistral-7B-Instruct-v0.3", "hf_testtoken123")
	if err != nil {
		t.Fatalf("InvokeStream failed: %v", err)
	}
	chunk, err := stream.Next()
	if err != nil || chunk != "generated" {
		t.Fatalf("expected single chunk, got %q, %v", chunk, err)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("expected EOF after single chunk, got %v", err)
	}
}

func TestHuggingFace_ModelLoading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"Model is currently loading","estimated_time":20}`)
	}))
	defer srv.Close()

	a := NewHuggingFaceAdapter("hf", config.ProviderConfig{BaseURL: srv.URL}, srv.Client())
	_, err := a.Invoke(context.Background(), types.GenerationRequest{Prompt: "p"}, "m", "hf_testtoken123")
	if types.KindOf(err) != types.KindServiceOverloaded {
		t.Errorf("expected overloaded while model loads, got %v", err)
	}
}
