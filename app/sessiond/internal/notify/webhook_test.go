package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/msghub/app/sessiond/internal/session"
)

func testConfig(url string) *Config {
	return &Config{
		URL:           url,
		Timeout:       time.Second,
		MaxAttempts:   3,
		RetryInterval: 10 * time.Millisecond,
		PoolSize:      4,
		RatePerSecond: 1000,
	}
}

func TestNotifyStatusDeliversPayload(t *testing.T) {
	got := make(chan statusPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var p statusPayload
		_ = json.Unmarshal(raw, &p)
		got <- p
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(testConfig(srv.URL), nil)
	require.NoError(t, err)
	defer n.Close()

	n.NotifyStatus("s1", session.StatusConnected)

	select {
	case p := <-got:
		assert.Equal(t, "STATUS_CHANGED", p.Event)
		assert.Equal(t, "s1", p.SessionID)
		assert.Equal(t, "CONNECTED", p.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 前两次失败，第三次成功
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(testConfig(srv.URL), nil)
	require.NoError(t, err)
	defer n.Close()

	results := make(chan bool, 1)
	n.OnResult(func(ok bool) { results <- ok })

	n.NotifyStatus("s1", session.StatusDisconnected)

	select {
	case ok := <-results:
		assert.True(t, ok)
		assert.Equal(t, int32(3), hits.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never resolved")
	}
}

func TestDeliveryGivesUpAfterBoundedRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	n, err := NewWebhookNotifier(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	results := make(chan bool, 1)
	n.OnResult(func(ok bool) { results <- ok })

	n.NotifyStatus("s1", session.StatusLoggedOut)

	select {
	case ok := <-results:
		// 重试有界，放弃而不是无限打平台
		assert.False(t, ok)
		assert.Equal(t, int32(cfg.MaxAttempts), hits.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never gave up")
	}
}

func TestNotifyWithoutURLIsNoop(t *testing.T) {
	n, err := NewWebhookNotifier(testConfig(""), nil)
	require.NoError(t, err)
	defer n.Close()

	// 未配置回调地址时不 panic、不投递
	n.NotifyStatus("s1", session.StatusConnected)
}
