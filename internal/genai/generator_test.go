package genai

import (
	"context"
	"errors"
	"testing"
)

func TestStaticReturnsText(t *testing.T) {
	got, err := Static{Text: "hello"}.Reply(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "hello" {
		t.Fatalf("Reply = %q", got)
	}
}

func TestStaticReturnsConfiguredError(t *testing.T) {
	if _, err := (Static{Err: ErrBlocked}).Reply(context.Background(), "prompt"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("Reply error = %v, want ErrBlocked", err)
	}
}

func TestStaticHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Static{Text: "hello"}).Reply(ctx, "prompt"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Reply error = %v, want context.Canceled", err)
	}
}
