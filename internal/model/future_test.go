package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/model"
)

func TestFutureResult(t *testing.T) {
	f := model.NewFuture()

	select {
	case <-f.Done():
		t.Fatal("future resolved before SetResult")
	default:
	}

	f.SetResult([]byte("ok"))

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after SetResult")
	}

	result, err := f.Result()
	if err != nil {
		t.Fatalf("Result error: %v", err)
	}
	if string(result) != "ok" {
		t.Errorf("result = %q, want ok", result)
	}
}

func TestFutureError(t *testing.T) {
	f := model.NewFuture()
	want := errors.New("engine gone")
	f.SetError(want)

	<-f.Done()
	if _, err := f.Result(); !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
}

func TestFutureDoubleResolutionPanics(t *testing.T) {
	f := model.NewFuture()
	f.SetResult(nil)

	defer func() {
		if recover() == nil {
			t.Error("second resolution did not panic")
		}
	}()
	f.SetError(errors.New("too late"))
}
