package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	require.NotNil(t, fetcher.slots)
}

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	require.Nil(t, fetcher.slots)
	require.Equal(t, "body", fetcher.cfg.WaitSelector)
	require.Equal(t, defaultNavigationTimeout, fetcher.cfg.NavigationTimeout)
	require.Equal(t, 500*time.Millisecond, fetcher.cfg.SettleDelay)

	custom, err := NewChromedp(Config{WaitSelector: "div.content1", SettleDelay: time.Second})
	require.NoError(t, err)
	t.Cleanup(custom.Close)
	require.Equal(t, "div.content1", custom.cfg.WaitSelector)
	require.Equal(t, time.Second, custom.cfg.SettleDelay)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)

	require.NoError(t, fetcher.acquire(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, fetcher.acquire(ctx), context.Canceled)
	fetcher.release()
	require.NoError(t, fetcher.acquire(context.Background()))
}

func TestDocumentResponseKeepsLastDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.listen(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 301, URL: "https://thuvienphapluat.vn/van-ban/old"},
	})
	doc.listen(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://thuvienphapluat.vn/app.js"},
	})
	doc.listen(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://thuvienphapluat.vn/van-ban/rendered",
			Headers: network.Headers{"Content-Type": "text/html; charset=utf-8", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	doc.listen("not a network event")

	status, headers, url := doc.result("https://req", "https://location")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://thuvienphapluat.vn/van-ban/rendered", url)
	require.Equal(t, "text/html; charset=utf-8", headers.Get("Content-Type"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := (&documentResponse{}).result("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
	require.NotNil(t, headers)

	_, _, url = (&documentResponse{}).result("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := networkHeaders(http.Header{"X-Multi": {"a", "b"}, "X-One": {"v"}, "X-Empty": {}})
	require.Equal(t, []string{"a", "b"}, got["X-Multi"])
	require.Equal(t, "v", got["X-One"])
	require.NotContains(t, got, "X-Empty")
}
