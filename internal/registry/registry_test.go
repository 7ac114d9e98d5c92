package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/cascade/internal/release"
)

type call struct {
	dir  string
	name string
	args []string
}

func fakeRunner(out string, err error, calls *[]call) Runner {
	return func(_ context.Context, dir, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, call{dir: dir, name: name, args: args})
		return []byte(out), err
	}
}

func TestCargoPublishBuildsArguments(t *testing.T) {
	var calls []call
	pub := NewCargo("/ws", WithRegistry("internal"), WithRunner(fakeRunner("", nil, &calls)))

	require.NoError(t, pub.Publish(context.Background(), "core", "1.2.0"))
	require.Len(t, calls, 1)
	assert.Equal(t, "/ws", calls[0].dir)
	assert.Equal(t, "cargo", calls[0].name)
	assert.Equal(t, []string{"publish", "-p", "core", "--registry", "internal"}, calls[0].args)

	require.NoError(t, pub.Yank(context.Background(), "core", "1.2.0"))
	assert.Equal(t, []string{"yank", "--version", "1.2.0", "core", "--registry", "internal"}, calls[1].args)
}

func TestCargoDryRunSkipsYank(t *testing.T) {
	var calls []call
	pub := NewCargo("/ws", WithDryRun(true), WithBinary("/opt/cargo"), WithRunner(fakeRunner("", nil, &calls)))

	require.NoError(t, pub.Publish(context.Background(), "core", "1.0.0"))
	require.NoError(t, pub.Yank(context.Background(), "core", "1.0.0"))
	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/cargo", calls[0].name)
	assert.Contains(t, calls[0].args, "--dry-run")
}

func TestClassify(t *testing.T) {
	exit := errors.New("exit status 101")
	cases := []struct {
		name   string
		output string
		kind   release.Kind
	}{
		{"already uploaded", "error: crate version `1.0.0` is already uploaded", release.KindAlreadyPublished},
		{"rate limited", "error: the remote server responded with 429 Too Many Requests", release.KindRateLimited},
		{"auth", "error: failed to publish: 403 Forbidden invalid token", release.KindRegistryAuth},
		{"network", "warning: spurious network error (2 tries remaining)\nerror: failed to get response", release.KindNetwork},
		{"timeout", "error: operation timed out", release.KindTimeout},
		{"generic", "error: failed to verify package tarball", release.KindPublishFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(context.Background(), "core", "1.0.0", tc.output, exit, release.KindPublishFailed)
			assert.Equal(t, tc.kind, release.KindOf(err))
			assert.Equal(t, release.CategoryPublish, release.CategoryOf(err))
			assert.ErrorIs(t, err, exit)
		})
	}
}

func TestClassifyRateLimitCarriesRetryAfter(t *testing.T) {
	err := Classify(context.Background(), "core", "1.0.0", "error: 429 rate limit, retry after 90 seconds", errors.New("exit"), release.KindPublishFailed)
	e, ok := release.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, e.RetryAfter)
	assert.True(t, release.IsTransient(err))

	err = Classify(context.Background(), "core", "1.0.0", "too many requests", errors.New("exit"), release.KindPublishFailed)
	e, _ = release.AsError(err)
	assert.Equal(t, time.Minute, e.RetryAfter)
}

func TestClassifyDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	err := Classify(ctx, "core", "1.0.0", "", context.DeadlineExceeded, release.KindPublishFailed)
	assert.Equal(t, release.KindTimeout, release.KindOf(err))
}

func TestYankFailureKind(t *testing.T) {
	var calls []call
	pub := NewCargo("/ws", WithRunner(fakeRunner("error: crate `core` does not have a version `9.9.9`", errors.New("exit"), &calls)))
	err := pub.Yank(context.Background(), "core", "9.9.9")
	assert.Equal(t, release.KindYankFailed, release.KindOf(err))
}
