package config

import (
	"context"
	"errors"
	"testing"

	"github.com/pulsecast/streamscribe/pkg/stt"
)

type nopProvider struct{}

func (nopProvider) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry_CreateSTT(t *testing.T) {
	reg := NewRegistry()

	var gotCfg STTConfig
	reg.RegisterSTT("fake", func(cfg STTConfig) (stt.Provider, error) {
		gotCfg = cfg
		return nopProvider{}, nil
	})

	p, err := reg.CreateSTT(STTConfig{Provider: "fake", APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
	if gotCfg.APIKey != "k" || gotCfg.Model != "m" {
		t.Errorf("factory received %+v", gotCfg)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.CreateSTT(STTConfig{Provider: "whisper"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryErrorPropagates(t *testing.T) {
	reg := NewRegistry()
	errBad := errors.New("bad key")
	reg.RegisterSTT("fake", func(STTConfig) (stt.Provider, error) { return nil, errBad })

	if _, err := reg.CreateSTT(STTConfig{Provider: "fake"}); !errors.Is(err, errBad) {
		t.Errorf("err = %v, want factory error", err)
	}
}
