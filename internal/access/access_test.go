package access

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/state"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newController(t *testing.T, dir *state.Dir) *Controller {
	t.Helper()
	c, err := NewController(dir, config.RateLimitConfig{}, testLogger(t))
	require.NoError(t, err)
	return c
}

func testDir(t *testing.T) *state.Dir {
	t.Helper()
	d, err := state.OpenDir(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestClassify_Order(t *testing.T) {
	c := newController(t, testDir(t))

	assert.Equal(t, TierUnknown, c.Classify("telegram", "stranger"))

	require.NoError(t, c.AddPrimary("telegram", "owner"))
	assert.Equal(t, TierPrimary, c.Classify("telegram", "owner"))

	require.NoError(t, c.Approve("telegram", "colleague", "Sam", time.Now().Add(time.Hour)))
	assert.Equal(t, TierApproved, c.Classify("telegram", "colleague"))

	require.NoError(t, c.Deny("telegram", "vendor"))
	assert.Equal(t, TierRecentlyDenied, c.Classify("telegram", "vendor"))

	require.NoError(t, c.Block("telegram", "spammer"))
	assert.Equal(t, TierBlocked, c.Classify("telegram", "spammer"))

	// Blocked wins even over a primary listing.
	require.NoError(t, c.AddPrimary("telegram", "spammer"))
	assert.Equal(t, TierBlocked, c.Classify("telegram", "spammer"))
}

func TestClassify_ChannelScoped(t *testing.T) {
	c := newController(t, testDir(t))

	require.NoError(t, c.AddPrimary("telegram", "owner"))
	assert.Equal(t, TierPrimary, c.Classify("telegram", "owner"))
	assert.Equal(t, TierUnknown, c.Classify("email", "owner"),
		"identity is keyed by (channel, externalId)")
}

func TestClassify_ExpiredApproval(t *testing.T) {
	c := newController(t, testDir(t))

	require.NoError(t, c.Approve("telegram", "temp", "", time.Now().Add(-time.Minute)))
	assert.Equal(t, TierUnknown, c.Classify("telegram", "temp"))
}

func TestAuditExpirations(t *testing.T) {
	dir := testDir(t)
	c := newController(t, dir)

	require.NoError(t, c.Approve("telegram", "expired", "", time.Now().Add(-time.Hour)))
	require.NoError(t, c.Approve("telegram", "current", "", time.Now().Add(time.Hour)))

	demoted := c.AuditExpirations()
	assert.Equal(t, 1, demoted)

	// The demotion is persisted.
	c2 := newController(t, dir)
	c2.mu.RLock()
	entry := c2.thirdParty[senderKey("telegram", "expired")]
	c2.mu.RUnlock()
	require.NotNil(t, entry)
	assert.Equal(t, StatusPending, entry.Status)

	assert.Equal(t, 0, c.AuditExpirations(), "audit is idempotent")
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := testDir(t)

	c := newController(t, dir)
	require.NoError(t, c.AddPrimary("telegram", "owner"))
	require.NoError(t, c.Approve("telegram", "friend", "Alex", time.Now().Add(time.Hour)))

	c2 := newController(t, dir)
	assert.Equal(t, TierPrimary, c2.Classify("telegram", "owner"))
	assert.Equal(t, TierApproved, c2.Classify("telegram", "friend"))
}

func TestCorruptFileStartsFromDefaults(t *testing.T) {
	dir := testDir(t)
	require.NoError(t, os.WriteFile(dir.File(state.SafeSendersFile), []byte("{oops"), 0o600))

	c := newController(t, dir)
	assert.Equal(t, TierUnknown, c.Classify("telegram", "anyone"))

	// The broken file was moved aside.
	_, err := os.Stat(dir.File(state.SafeSendersFile))
	assert.True(t, os.IsNotExist(err))
}

func TestMarkPending_DoesNotOverwrite(t *testing.T) {
	c := newController(t, testDir(t))

	require.NoError(t, c.Approve("telegram", "friend", "", time.Now().Add(time.Hour)))
	require.NoError(t, c.MarkPending("telegram", "friend", ""))
	assert.Equal(t, TierApproved, c.Classify("telegram", "friend"))
}

func TestSlidingWindow(t *testing.T) {
	w := newSlidingWindow(config.RateLimitConfig{
		InboundPerSender: 2,
		WindowSeconds:    60,
		QueueCap:         1,
	})

	now := time.Now()
	w.now = func() time.Time { return now }

	assert.Equal(t, InboundAllow, w.Allow("k"))
	assert.Equal(t, InboundAllow, w.Allow("k"))
	assert.Equal(t, InboundQueue, w.Allow("k"))
	assert.Equal(t, InboundDrop, w.Allow("k"))

	// Window slides past the first events.
	now = now.Add(61 * time.Second)
	assert.Equal(t, InboundAllow, w.Allow("k"))
}

func TestSlidingWindow_TryAcquire(t *testing.T) {
	w := newSlidingWindow(config.RateLimitConfig{
		InboundPerSender: 1,
		WindowSeconds:    60,
		QueueCap:         2,
	})

	now := time.Now()
	w.now = func() time.Time { return now }

	assert.Equal(t, InboundAllow, w.Allow("k"))
	assert.Equal(t, InboundQueue, w.Allow("k"))

	assert.False(t, w.TryAcquire("k"), "window still full")
	assert.False(t, w.TryAcquire("k"))
	assert.Equal(t, InboundQueue, w.Allow("k"),
		"polling TryAcquire never burns queue slots")

	now = now.Add(61 * time.Second)
	assert.True(t, w.TryAcquire("k"))
	assert.False(t, w.TryAcquire("k"), "the release consumed the window")
}

func TestHoldMessage_DeliveredOnApproval(t *testing.T) {
	dir := testDir(t)
	c := newController(t, dir)

	require.NoError(t, c.MarkPending("telegram", "pat", "Pat"))
	require.NoError(t, c.HoldMessage("telegram", "pat", "first"))
	require.NoError(t, c.HoldMessage("telegram", "pat", "second"))

	// Held messages survive a restart.
	c2 := newController(t, dir)
	var got []string
	c2.OnApproval(func(entry ThirdPartySender, held []string) {
		assert.Equal(t, "pat", entry.ExternalID)
		got = held
	})
	require.NoError(t, c2.Approve("telegram", "pat", "Pat", time.Now().Add(time.Hour)))
	assert.Equal(t, []string{"first", "second"}, got)

	// Approval clears the backlog.
	got = nil
	require.NoError(t, c2.Approve("telegram", "pat", "Pat", time.Now().Add(time.Hour)))
	assert.Empty(t, got)
}

func TestHoldMessage_CapKeepsNewest(t *testing.T) {
	c := newController(t, testDir(t))
	require.NoError(t, c.MarkPending("telegram", "chatty", ""))

	for i := 0; i < heldCap+3; i++ {
		require.NoError(t, c.HoldMessage("telegram", "chatty", fmt.Sprintf("m%d", i)))
	}

	c.mu.RLock()
	held := c.thirdParty[senderKey("telegram", "chatty")].Held
	c.mu.RUnlock()
	require.Len(t, held, heldCap)
	assert.Equal(t, "m3", held[0], "oldest messages are dropped first")
}

func TestHoldMessage_IgnoredForNonPending(t *testing.T) {
	c := newController(t, testDir(t))
	require.NoError(t, c.HoldMessage("telegram", "nobody", "into the void"))

	c.mu.RLock()
	_, exists := c.thirdParty[senderKey("telegram", "nobody")]
	c.mu.RUnlock()
	assert.False(t, exists, "holding never creates a record")
}

func TestAllowInbound_DisabledLimit(t *testing.T) {
	c := newController(t, testDir(t))
	for i := 0; i < 100; i++ {
		assert.Equal(t, InboundAllow, c.AllowInbound("telegram", "owner"))
	}
}
