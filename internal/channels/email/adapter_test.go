package email

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tether-agent/tether/internal/access"
	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/session"
	"github.com/tether-agent/tether/internal/state"
)

type fakeProvider struct {
	inbox []InboundEmail
	sent  []string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Fetch(ctx context.Context) ([]InboundEmail, error) {
	msgs := p.inbox
	p.inbox = nil
	return msgs, nil
}

func (p *fakeProvider) Send(ctx context.Context, to, subject, body string) error {
	p.sent = append(p.sent, to+"|"+subject+"|"+body)
	return nil
}

type fakeInjector struct{ lines []string }

func (i *fakeInjector) InjectText(ctx context.Context, text string) (session.InjectStatus, error) {
	i.lines = append(i.lines, text)
	return session.Injected, nil
}

type fakeNoter struct{ noted int }

func (n *fakeNoter) NoteInjection(ctx context.Context) { n.noted++ }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func testACL(t *testing.T) *access.Controller {
	t.Helper()
	d, err := state.OpenDir(t.TempDir())
	require.NoError(t, err)
	acl, err := access.NewController(d, config.RateLimitConfig{}, testLogger(t))
	require.NoError(t, err)
	return acl
}

func TestPoll_InjectsAllowedSendersOnly(t *testing.T) {
	acl := testACL(t)
	require.NoError(t, acl.AddPrimary("email", "kim@example.com"))
	require.NoError(t, acl.Approve("email", "alex@example.com", "Alex", time.Now().Add(time.Hour)))
	require.NoError(t, acl.Block("email", "spam@example.com"))

	provider := &fakeProvider{inbox: []InboundEmail{
		{ID: "1", From: "kim@example.com", Subject: "ping", Body: "are you up?"},
		{ID: "2", From: "alex@example.com", Subject: "review", Body: "PTAL"},
		{ID: "3", From: "spam@example.com", Subject: "$$$", Body: "click here"},
		{ID: "4", From: "new@example.com", Subject: "hi", Body: "hello"},
	}}
	injector := &fakeInjector{}
	noter := &fakeNoter{}

	a := NewAdapter(config.EmailConfig{}, provider, acl, injector, noter, testLogger(t))

	injected, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, injected)

	require.Len(t, injector.lines, 2)
	assert.Equal(t, "[Email] kim@example.com: ping / are you up?", injector.lines[0])
	assert.Contains(t, injector.lines[1], "[3rdParty][Email] alex@example.com")
	assert.Equal(t, 2, noter.noted)

	// The stranger is now pending.
	assert.Equal(t, access.TierUnknown, acl.Classify("email", "new@example.com"))
}

func TestPoll_EmptyInbox(t *testing.T) {
	a := NewAdapter(config.EmailConfig{}, &fakeProvider{}, testACL(t), &fakeInjector{}, nil, testLogger(t))
	injected, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, injected)
}

func TestSend(t *testing.T) {
	provider := &fakeProvider{}
	a := NewAdapter(config.EmailConfig{}, provider, nil, nil, nil, testLogger(t))

	require.NoError(t, a.Send(context.Background(), "kim@example.com", "the report is done"))
	require.Len(t, provider.sent, 1)
	assert.Contains(t, provider.sent[0], "kim@example.com|")
	assert.Contains(t, provider.sent[0], "the report is done")
}

func TestAdapter_NoProvider(t *testing.T) {
	a := NewAdapter(config.EmailConfig{}, nil, nil, nil, nil, testLogger(t))
	assert.Error(t, a.Send(context.Background(), "x@y.z", "text"))

	injected, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, injected)
}
