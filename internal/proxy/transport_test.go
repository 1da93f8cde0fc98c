package proxy

import (
	"testing"
	"time"

	"github.com/wudi/storegate/internal/config"
)

func TestNewTransportDefault(t *testing.T) {
	tr := NewTransport(DefaultTransportConfig)
	if tr == nil {
		t.Fatal("expected non-nil transport")
	}
	if tr.MaxIdleConns != 512 {
		t.Errorf("expected MaxIdleConns 512, got %d", tr.MaxIdleConns)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("expected HTTP/2 attempts enabled")
	}
}

func TestDefaultTransport(t *testing.T) {
	if DefaultTransport() == nil {
		t.Fatal("expected non-nil transport")
	}
}

func TestMergeTransportConfigs(t *testing.T) {
	merged := MergeTransportConfigs(DefaultTransportConfig,
		config.TransportConfig{ConnectTimeout: 5 * time.Second, MaxIdleConns: 10},
		config.TransportConfig{MaxIdleConns: 20, ResponseHeaderTimeout: 2 * time.Second},
	)

	if merged.DialTimeout != 5*time.Second {
		t.Errorf("expected DialTimeout 5s, got %v", merged.DialTimeout)
	}
	if merged.MaxIdleConns != 20 {
		t.Errorf("expected later overlay to win, got %d", merged.MaxIdleConns)
	}
	if merged.ResponseHeaderTimeout != 2*time.Second {
		t.Errorf("expected ResponseHeaderTimeout 2s, got %v", merged.ResponseHeaderTimeout)
	}
	if merged.MaxIdleConnsPerHost != DefaultTransportConfig.MaxIdleConnsPerHost {
		t.Errorf("expected untouched field to keep default, got %d", merged.MaxIdleConnsPerHost)
	}
}

func TestTransportFromConfig(t *testing.T) {
	tr := TransportFromConfig(config.TransportConfig{
		IdleConnTimeout:     time.Minute,
		TLSHandshakeTimeout: 3 * time.Second,
	})
	if tr.IdleConnTimeout != time.Minute {
		t.Errorf("expected IdleConnTimeout 1m, got %v", tr.IdleConnTimeout)
	}
	if tr.TLSHandshakeTimeout != 3*time.Second {
		t.Errorf("expected TLSHandshakeTimeout 3s, got %v", tr.TLSHandshakeTimeout)
	}
}
