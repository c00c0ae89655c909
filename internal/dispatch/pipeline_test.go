package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/generator"
	"github.com/foxzi/outreach/internal/history"
	"github.com/foxzi/outreach/internal/ledger"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/recipient"
	"github.com/foxzi/outreach/internal/settings"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type mockGenerator struct {
	text  string
	err   error
	calls int
	model string
}

func (g *mockGenerator) Generate(ctx context.Context, summary, modelID string) (string, error) {
	g.calls++
	g.model = modelID
	return g.text, g.err
}

type mockTransport struct {
	err       error
	delivered []string
}

func (m *mockTransport) Deliver(ctx context.Context, r *recipient.Recipient, text string) error {
	if m.err != nil {
		return m.err
	}
	m.delivered = append(m.delivered, text)
	return nil
}

type staticSettings settings.Settings

func (s staticSettings) Current() settings.Settings { return settings.Settings(s) }

type harness struct {
	pipeline   *Pipeline
	clock      *fakeClock
	ledger     *ledger.Ledger
	history    *history.Storage
	recipients *recipient.Storage
	gen        *mockGenerator
	transport  *mockTransport
	sleeps     []time.Duration
	target     *recipient.Recipient
}

func newHarness(t *testing.T, policy ratelimit.Policy) *harness {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		clock:     &fakeClock{t: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)},
		gen:       &mockGenerator{text: "Loved your post about distributed systems."},
		transport: &mockTransport{},
	}

	h.ledger, err = ledger.New(db, ledger.Config{Location: time.UTC, Now: h.clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	h.history, err = history.NewStorage(db, history.Config{})
	if err != nil {
		t.Fatal(err)
	}
	h.recipients, err = recipient.NewStorage(db)
	if err != nil {
		t.Fatal(err)
	}

	h.target = &recipient.Recipient{ID: "r-1", Name: "Ada Lovelace", Interests: []recipient.Interest{recipient.InterestTechnology}}
	if _, err := h.recipients.Upsert(context.Background(), h.target); err != nil {
		t.Fatal(err)
	}

	h.pipeline = New(Config{
		Limiter:    ratelimit.NewLimiter(h.ledger, policy),
		Ledger:     h.ledger,
		History:    h.history,
		Recipients: h.recipients,
		Generator:  h.gen,
		Transport:  h.transport,
		Settings:   staticSettings{ModelID: "test-model", SenderDisplayName: "Sam"},
		Now:        h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
	})

	return h
}

func (h *harness) stats(t *testing.T) ledger.UsageStats {
	t.Helper()
	s, err := h.ledger.Current(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *harness) records(t *testing.T, kind history.Kind) []*history.Record {
	t.Helper()
	recs, err := h.history.List(context.Background(), kind, history.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func (h *harness) recipient(t *testing.T) *recipient.Recipient {
	t.Helper()
	r, err := h.recipients.Get(context.Background(), "r-1")
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func strPtr(s string) *string { return &s }

func TestSendGeneratedContent(t *testing.T) {
	h := newHarness(t, ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 20, MinDelayBetweenSends: 45 * time.Second})

	res, err := h.pipeline.Send(context.Background(), h.target, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Send() failed: %+v", res)
	}

	want := "Hi Ada,\n\nLoved your post about distributed systems.\n\nBest regards,\nSam"
	if res.Content != want {
		t.Errorf("content = %q, want %q", res.Content, want)
	}
	if len(h.transport.delivered) != 1 || h.transport.delivered[0] != want {
		t.Errorf("delivered = %v", h.transport.delivered)
	}
	if h.gen.model != "test-model" {
		t.Errorf("model = %q", h.gen.model)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 45*time.Second {
		t.Errorf("sleeps = %v, want one 45s pacing wait", h.sleeps)
	}

	s := h.stats(t)
	if s.TotalSent != 1 || s.SentInCurrentHour != 1 || s.SentInCurrentDay != 1 || s.TotalFailed != 0 {
		t.Errorf("stats = %+v", s)
	}

	drafts := h.records(t, history.KindDraft)
	if len(drafts) != 1 || !drafts[0].Success || drafts[0].Content != want {
		t.Errorf("drafts = %+v", drafts)
	}
	dispatches := h.records(t, history.KindDispatch)
	if len(dispatches) != 1 || !dispatches[0].Success || dispatches[0].ModelUsed != "test-model" {
		t.Errorf("dispatches = %+v", dispatches)
	}

	r := h.recipient(t)
	if r.MessageCount != 1 || r.LastContactedAt == nil || !r.LastContactedAt.Equal(h.clock.Now()) {
		t.Errorf("recipient = %+v", r)
	}
	if res.Recipient == nil || res.Recipient.MessageCount != 1 {
		t.Errorf("result recipient = %+v", res.Recipient)
	}
}

func TestSendHourlyLimitDenied(t *testing.T) {
	h := newHarness(t, ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 20})
	ctx := context.Background()

	// five sends at 10-minute spacing, the last one 5 minutes ago
	h.clock.Advance(-45 * time.Minute)
	for i := 0; i < 5; i++ {
		if i > 0 {
			h.clock.Advance(10 * time.Minute)
		}
		if _, err := h.ledger.RecordSuccess(ctx); err != nil {
			t.Fatal(err)
		}
	}
	h.clock.Advance(5 * time.Minute)

	before := h.stats(t)

	res, err := h.pipeline.Send(ctx, h.target, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Success || res.Kind != KindAdmissionDenied {
		t.Fatalf("result = %+v, want admission denial", res)
	}
	if !strings.Contains(res.Error, "hourly limit") {
		t.Errorf("error = %q", res.Error)
	}
	if res.RetryAfter != 55*time.Minute {
		t.Errorf("RetryAfter = %v, want 55m", res.RetryAfter)
	}

	if h.gen.calls != 0 || len(h.transport.delivered) != 0 {
		t.Error("denied attempt must not generate or deliver")
	}
	after := h.stats(t)
	if after.TotalSent != before.TotalSent || after.TotalFailed != before.TotalFailed || after.SentInCurrentHour != before.SentInCurrentHour {
		t.Errorf("stats changed: before %+v after %+v", before, after)
	}
	if n := len(h.records(t, history.KindDispatch)) + len(h.records(t, history.KindDraft)); n != 0 {
		t.Errorf("denied attempt wrote %d history records", n)
	}
}

func TestSendOverrideSkipsGeneratorAndPacing(t *testing.T) {
	h := newHarness(t, ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 20, MinDelayBetweenSends: time.Minute})

	res, err := h.pipeline.Send(context.Background(), h.target, strPtr("Hello!"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !res.Success || res.Content != "Hello!" {
		t.Fatalf("result = %+v", res)
	}
	if h.gen.calls != 0 {
		t.Error("override must not call the generator")
	}
	if len(h.sleeps) != 0 {
		t.Errorf("override must not pace, slept %v", h.sleeps)
	}
	if len(h.transport.delivered) != 1 || h.transport.delivered[0] != "Hello!" {
		t.Errorf("delivered = %v, want verbatim override", h.transport.delivered)
	}
	if s := h.stats(t); s.TotalSent != 1 {
		t.Errorf("TotalSent = %d, want 1", s.TotalSent)
	}
	if r := h.recipient(t); r.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", r.MessageCount)
	}
	if drafts := h.records(t, history.KindDraft); len(drafts) != 0 {
		t.Errorf("override wrote %d draft records", len(drafts))
	}
}

func TestSendGenerationError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"upstream", &generator.Error{Kind: generator.KindUpstream, Message: "model overloaded"}, KindGeneration},
		{"empty", &generator.Error{Kind: generator.KindEmpty, Message: "no text"}, KindGeneration},
		{"configuration", &generator.Error{Kind: generator.KindConfiguration, Message: "API key is not configured"}, KindConfiguration},
		{"untyped", errors.New("boom"), KindGeneration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 20, MinDelayBetweenSends: time.Minute})
			h.gen.err = tt.err

			res, err := h.pipeline.Send(context.Background(), h.target, nil)
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if res.Success || res.Kind != tt.kind {
				t.Fatalf("result = %+v, want kind %s", res, tt.kind)
			}
			if res.Error != tt.err.Error() {
				t.Errorf("error = %q", res.Error)
			}

			s := h.stats(t)
			if s.TotalFailed != 1 || s.TotalSent != 0 {
				t.Errorf("stats = %+v, want one failure", s)
			}

			drafts := h.records(t, history.KindDraft)
			if len(drafts) != 1 || drafts[0].Success || drafts[0].Content != "" || drafts[0].Error == "" {
				t.Errorf("drafts = %+v", drafts)
			}
			dispatches := h.records(t, history.KindDispatch)
			if len(dispatches) != 1 || dispatches[0].Success || dispatches[0].Error == "" {
				t.Errorf("dispatches = %+v", dispatches)
			}

			if r := h.recipient(t); r.MessageCount != 0 || r.LastContactedAt != nil {
				t.Errorf("recipient changed: %+v", r)
			}
			if len(h.sleeps) != 0 || len(h.transport.delivered) != 0 {
				t.Error("failed generation must not pace or deliver")
			}
		})
	}
}

func TestSendDeliveryError(t *testing.T) {
	h := newHarness(t, ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 20})
	h.transport.err = &delivery.Error{Temporary: false, Message: "550 User not found"}

	res, err := h.pipeline.Send(context.Background(), h.target, strPtr("hi"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Success || res.Kind != KindDelivery || res.Error != "550 User not found" {
		t.Fatalf("result = %+v", res)
	}

	s := h.stats(t)
	if s.TotalFailed != 1 || s.TotalSent != 0 || s.SentInCurrentHour != 0 {
		t.Errorf("stats = %+v", s)
	}

	dispatches := h.records(t, history.KindDispatch)
	if len(dispatches) != 1 || dispatches[0].Success || dispatches[0].Content != "hi" {
		t.Errorf("dispatches = %+v", dispatches)
	}
	if r := h.recipient(t); r.MessageCount != 0 {
		t.Errorf("MessageCount = %d, want 0", r.MessageCount)
	}
}

func TestSendPacingCanceled(t *testing.T) {
	h := newHarness(t, ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 20, MinDelayBetweenSends: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.pipeline.cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := h.pipeline.Send(ctx, h.target, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Send() error = %v, want context.Canceled", err)
	}
	if len(h.transport.delivered) != 0 {
		t.Error("canceled attempt must not deliver")
	}
	if s := h.stats(t); s.TotalSent != 0 || s.TotalFailed != 0 {
		t.Errorf("stats = %+v, want untouched", s)
	}
	if drafts := h.records(t, history.KindDraft); len(drafts) != 1 {
		t.Errorf("drafts = %d, want the composed draft kept", len(drafts))
	}
	dispatches := h.records(t, history.KindDispatch)
	if len(dispatches) != 1 {
		t.Fatalf("dispatches = %d, want 1 aborted record", len(dispatches))
	}
	if d := dispatches[0]; d.Success || !strings.Contains(d.Error, "pacing interrupted") || d.Content == "" {
		t.Errorf("aborted record = %+v", d)
	}
}

func TestExclusiveWaitsForInFlightSend(t *testing.T) {
	h := newHarness(t, ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 20, MinDelayBetweenSends: time.Minute})

	pacing := make(chan struct{})
	resume := make(chan struct{})
	h.pipeline.cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		close(pacing)
		<-resume
		return nil
	}

	sendDone := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Send(context.Background(), h.target, nil)
		sendDone <- err
	}()
	<-pacing

	ran := make(chan struct{})
	exclDone := make(chan error, 1)
	go func() {
		exclDone <- h.pipeline.Exclusive(context.Background(), func(ctx context.Context) error {
			close(ran)
			return nil
		})
	}()

	select {
	case <-ran:
		t.Fatal("exclusive call ran while a send was pacing")
	case <-time.After(50 * time.Millisecond):
	}

	close(resume)
	if err := <-sendDone; err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := <-exclDone; err != nil {
		t.Fatalf("Exclusive() error = %v", err)
	}
	if len(h.transport.delivered) != 1 {
		t.Errorf("delivered = %d, want 1", len(h.transport.delivered))
	}
}

func TestSendWaitHonoursContext(t *testing.T) {
	h := newHarness(t, ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 20})

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = h.pipeline.Exclusive(context.Background(), func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.pipeline.Send(ctx, h.target, strPtr("hi")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send() error = %v, want context.DeadlineExceeded", err)
	}
	if len(h.transport.delivered) != 0 {
		t.Error("send must not run while an exclusive call holds the pipeline")
	}
}

func TestSendZeroDailyCap(t *testing.T) {
	h := newHarness(t, ratelimit.Policy{MaxPerHour: 5, MaxPerDay: 0})

	res, err := h.pipeline.Send(context.Background(), h.target, strPtr("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindAdmissionDenied || !strings.Contains(res.Error, "daily limit") {
		t.Errorf("result = %+v", res)
	}
}

func TestOrigin(t *testing.T) {
	if got := OriginFrom(context.Background()); got != OriginManual {
		t.Errorf("default origin = %s", got)
	}
	if got := OriginFrom(WithOrigin(context.Background(), OriginScheduler)); got != OriginScheduler {
		t.Errorf("origin = %s", got)
	}
}
