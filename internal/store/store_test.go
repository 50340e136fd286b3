package store

import (
	"context"
	"errors"
	"testing"
)

func TestMulti_AttemptsEverySink(t *testing.T) {
	errFirst := errors.New("first sink down")
	var secondCalled bool

	sink := Multi(
		SinkFunc(func(context.Context, Chunk) error { return errFirst }),
		SinkFunc(func(context.Context, Chunk) error { secondCalled = true; return nil }),
	)

	err := sink.Save(context.Background(), Chunk{StreamID: "s1"})
	if !errors.Is(err, errFirst) {
		t.Errorf("err = %v, want wrapped first sink error", err)
	}
	if !secondCalled {
		t.Error("second sink skipped after first failed")
	}
}

func TestMulti_JoinsAllErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")

	sink := Multi(
		SinkFunc(func(context.Context, Chunk) error { return errA }),
		SinkFunc(func(context.Context, Chunk) error { return errB }),
	)

	err := sink.Save(context.Background(), Chunk{})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("err = %v, want both errors joined", err)
	}
}

func TestMulti_NilOnSuccess(t *testing.T) {
	sink := Multi(
		SinkFunc(func(context.Context, Chunk) error { return nil }),
		SinkFunc(func(context.Context, Chunk) error { return nil }),
	)
	if err := sink.Save(context.Background(), Chunk{}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}
