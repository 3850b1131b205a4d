package completion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbinslashnoname/agromarket-bot/clock"
	"github.com/slashbinslashnoname/agromarket-bot/db"
	"github.com/slashbinslashnoname/agromarket-bot/effects"
	"github.com/slashbinslashnoname/agromarket-bot/lifecycle"
	"github.com/slashbinslashnoname/agromarket-bot/messages"
	"github.com/slashbinslashnoname/agromarket-bot/models"
	"github.com/slashbinslashnoname/agromarket-bot/session"
)

type fakeMessenger struct {
	mu        sync.Mutex
	texts     []string
	keyboards []*effects.Keyboard
	retracted []string
}

func (m *fakeMessenger) Notify(_ context.Context, _ int64, text string, kb *effects.Keyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	m.keyboards = append(m.keyboards, kb)
	return nil
}

func (m *fakeMessenger) Retract(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retracted = append(m.retracted, ref)
	return nil
}

func (m *fakeMessenger) Alert(context.Context, string) error { return nil }

func (m *fakeMessenger) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.texts) == 0 {
		return ""
	}
	return m.texts[len(m.texts)-1]
}

const owner = int64(500)

type env struct {
	db        *db.Database
	messenger *fakeMessenger
	sessions  *session.MemoryStore
	flow      *Flow
	now       time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	codec, err := clock.NewCodec("")
	require.NoError(t, err)
	database, err := db.NewDatabase(":memory:", codec)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.RegisterUser(context.Background(), owner, "farmer", "ru"))

	e := &env{
		db:        database,
		messenger: &fakeMessenger{},
		sessions:  session.NewMemoryStore(),
		now:       time.Date(2026, 10, 19, 15, 0, 0, 0, codec.Location()),
	}
	runner := effects.NewRunner(database, e.messenger, time.Second, time.Second)
	e.flow = NewFlow(database, e.sessions, runner, time.Second)
	e.flow.now = func() time.Time { return e.now }
	return e
}

// expiredAd creates an ad and moves it to pending_response the way a scan pass does
func (e *env) expiredAd(t *testing.T, title string, refs ...string) *models.Item {
	t.Helper()
	ctx := context.Background()
	it, err := e.db.CreateItem(ctx, models.KindAd, owner, title, refs, e.now.Add(-49*time.Hour))
	require.NoError(t, err)
	ok, err := e.db.Transition(ctx, models.KindAd, it.UniqueID, models.StatusActive, models.StatusPendingResponse, db.Fields{})
	require.NoError(t, err)
	require.True(t, ok)
	it.Status = models.StatusPendingResponse
	return it
}

func (e *env) send(t *testing.T, text string) {
	t.Helper()
	handled, err := e.flow.HandleText(context.Background(), owner, text)
	require.NoError(t, err)
	require.True(t, handled)
}

func (e *env) dialog(t *testing.T) (session.Dialog, bool) {
	t.Helper()
	d, ok, err := e.sessions.Get(context.Background(), owner)
	require.NoError(t, err)
	return d, ok
}

func (e *env) reload(t *testing.T, it *models.Item) *models.Item {
	t.Helper()
	got, err := e.db.GetItem(context.Background(), it.Kind, it.UniqueID)
	require.NoError(t, err)
	return got
}

func TestFinalPriceScenario(t *testing.T) {
	e := newEnv(t)
	ad := e.expiredAd(t, "Хлопок", "301")

	require.NoError(t, e.flow.Begin(context.Background(), *ad))
	d, ok := e.dialog(t)
	require.True(t, ok)
	assert.Equal(t, session.StateAwaitingChoice, d.State)
	assert.Equal(t, messages.Text("ru", messages.AdExpired, "Хлопок"), e.messenger.last())

	e.send(t, messages.Text("ru", messages.ButtonPrice))
	d, _ = e.dialog(t)
	assert.Equal(t, session.StateAwaitingPrice, d.State)

	e.send(t, "150000")

	got := e.reload(t, ad)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.True(t, got.FinalPrice.Valid)
	assert.True(t, decimal.NewFromInt(150000).Equal(got.FinalPrice.Decimal))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, e.now.Equal(*got.CompletedAt))
	assert.Nil(t, got.ArchivedAt)
	assert.Empty(t, got.MessageRefs)
	assert.Equal(t, []string{"301"}, e.messenger.retracted)
	assert.Equal(t, messages.Text("ru", messages.AdCompleted, "Хлопок", "150000"), e.messenger.last())

	_, ok = e.dialog(t)
	assert.False(t, ok, "dialog is cleared after closing")
}

func TestCancelFromChoice(t *testing.T) {
	e := newEnv(t)
	ad := e.expiredAd(t, "Лук", "302")
	require.NoError(t, e.flow.Begin(context.Background(), *ad))

	e.send(t, messages.Text("ru", messages.ButtonCancel))

	got := e.reload(t, ad)
	assert.Equal(t, models.StatusArchived, got.Status)
	require.NotNil(t, got.ArchivedAt)
	assert.True(t, e.now.Equal(*got.ArchivedAt))
	assert.False(t, got.FinalPrice.Valid)
	assert.Equal(t, []string{"302"}, e.messenger.retracted)
	_, ok := e.dialog(t)
	assert.False(t, ok)
}

func TestCancelWhileAwaitingPrice(t *testing.T) {
	e := newEnv(t)
	ad := e.expiredAd(t, "Морковь")
	require.NoError(t, e.flow.Begin(context.Background(), *ad))

	e.send(t, messages.Text("uz", messages.ButtonPrice))
	e.send(t, messages.Text("en", messages.ButtonCancel))

	assert.Equal(t, models.StatusArchived, e.reload(t, ad).Status)
}

func TestUnexpectedChoiceReprompts(t *testing.T) {
	e := newEnv(t)
	ad := e.expiredAd(t, "Яблоки")
	require.NoError(t, e.flow.Begin(context.Background(), *ad))

	e.send(t, "привет")

	assert.Equal(t, messages.Text("ru", messages.InvalidChoice), e.messenger.last())
	d, _ := e.dialog(t)
	assert.Equal(t, session.StateAwaitingChoice, d.State)
	assert.Equal(t, models.StatusPendingResponse, e.reload(t, ad).Status)
}

func TestInvalidPriceReprompts(t *testing.T) {
	e := newEnv(t)
	ad := e.expiredAd(t, "Груши")
	require.NoError(t, e.flow.Begin(context.Background(), *ad))
	e.send(t, messages.Text("ru", messages.ButtonPrice))

	for _, input := range []string{"дорого", "0", "-100", "1e9", ""} {
		e.send(t, input)
		assert.Equal(t, messages.Text("ru", messages.InvalidPrice), e.messenger.last(), input)
	}

	d, _ := e.dialog(t)
	assert.Equal(t, session.StateAwaitingPrice, d.State)
	assert.Equal(t, models.StatusPendingResponse, e.reload(t, ad).Status)
}

func TestNoDialog(t *testing.T) {
	e := newEnv(t)

	handled, err := e.flow.HandleText(context.Background(), owner, "150000")
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, e.messenger.texts)
}

func TestDialogForClosedAd(t *testing.T) {
	e := newEnv(t)
	ad := e.expiredAd(t, "Рис")
	require.NoError(t, e.flow.Begin(context.Background(), *ad))

	// closed elsewhere, e.g. from another device
	_, err := e.db.Transition(context.Background(), models.KindAd, ad.UniqueID, models.StatusPendingResponse, models.StatusArchived, db.Fields{ArchivedAt: &e.now})
	require.NoError(t, err)

	e.send(t, messages.Text("ru", messages.ButtonCancel))

	assert.Equal(t, messages.Text("ru", messages.AlreadyClosed), e.messenger.last())
	_, ok := e.dialog(t)
	assert.False(t, ok)
}

func TestClosingResumesNextPendingAd(t *testing.T) {
	e := newEnv(t)
	first := e.expiredAd(t, "Первое")
	second := e.expiredAd(t, "Второе")
	require.NoError(t, e.flow.Begin(context.Background(), *first))

	e.send(t, messages.Text("ru", messages.ButtonCancel))

	d, ok := e.dialog(t)
	require.True(t, ok)
	assert.Equal(t, second.UniqueID, d.ItemID)
	assert.Equal(t, messages.Text("ru", messages.AdExpired, "Второе"), e.messenger.last())
}

func TestBeginKeepsOpenDialog(t *testing.T) {
	e := newEnv(t)
	first := e.expiredAd(t, "Первое")
	require.NoError(t, e.flow.Begin(context.Background(), *first))
	e.send(t, messages.Text("ru", messages.ButtonPrice))

	second := e.expiredAd(t, "Второе")
	require.NoError(t, e.flow.Begin(context.Background(), *second))

	d, ok := e.dialog(t)
	require.True(t, ok)
	assert.Equal(t, first.UniqueID, d.ItemID)
	assert.Equal(t, session.StateAwaitingPrice, d.State)
	assert.Equal(t, messages.Text("ru", messages.AdQueued, "Второе"), e.messenger.last())
	assert.Nil(t, e.messenger.keyboards[len(e.messenger.keyboards)-1], "the open dialog keeps its keyboard")

	e.send(t, "150 000")
	assert.Equal(t, models.StatusCompleted, e.reload(t, first).Status)
	assert.Equal(t, models.StatusPendingResponse, e.reload(t, second).Status)

	d, ok = e.dialog(t)
	require.True(t, ok)
	assert.Equal(t, second.UniqueID, d.ItemID)
	assert.Equal(t, session.StateAwaitingChoice, d.State)
	assert.Equal(t, messages.Text("ru", messages.AdExpired, "Второе"), e.messenger.last())
}

func TestBeginReplacesDialogForClosedAd(t *testing.T) {
	e := newEnv(t)
	first := e.expiredAd(t, "Первое")
	require.NoError(t, e.flow.Begin(context.Background(), *first))
	ok, err := e.db.Transition(context.Background(), models.KindAd, first.UniqueID, models.StatusPendingResponse, models.StatusArchived, db.Fields{})
	require.NoError(t, err)
	require.True(t, ok)

	second := e.expiredAd(t, "Второе")
	require.NoError(t, e.flow.Begin(context.Background(), *second))

	d, _ := e.dialog(t)
	assert.Equal(t, second.UniqueID, d.ItemID)
	assert.Equal(t, messages.Text("ru", messages.AdExpired, "Второе"), e.messenger.last())
}

func TestBeginSameAdAgain(t *testing.T) {
	e := newEnv(t)
	ad := e.expiredAd(t, "Дыня")
	require.NoError(t, e.flow.Begin(context.Background(), *ad))
	require.NoError(t, e.flow.Begin(context.Background(), *ad))

	assert.Equal(t, messages.Text("ru", messages.AdExpired, "Дыня"), e.messenger.last())
}

// deadlineStore records whether each session call carried a deadline
type deadlineStore struct {
	*session.MemoryStore
	calls     int
	unbounded int
}

func (s *deadlineStore) check(ctx context.Context) {
	s.calls++
	if _, ok := ctx.Deadline(); !ok {
		s.unbounded++
	}
}

func (s *deadlineStore) Enter(ctx context.Context, userID int64, d session.Dialog) error {
	s.check(ctx)
	return s.MemoryStore.Enter(ctx, userID, d)
}

func (s *deadlineStore) Get(ctx context.Context, userID int64) (session.Dialog, bool, error) {
	s.check(ctx)
	return s.MemoryStore.Get(ctx, userID)
}

func (s *deadlineStore) Clear(ctx context.Context, userID int64) error {
	s.check(ctx)
	return s.MemoryStore.Clear(ctx, userID)
}

func TestSessionCallsAreBounded(t *testing.T) {
	e := newEnv(t)
	sessions := &deadlineStore{MemoryStore: e.sessions}
	e.flow.sessions = sessions
	ad := e.expiredAd(t, "Лук")
	ctx := context.WithoutCancel(context.Background())

	require.NoError(t, e.flow.Begin(ctx, *ad))
	_, err := e.flow.HandleText(ctx, owner, messages.Text("ru", messages.ButtonPrice))
	require.NoError(t, err)
	_, err = e.flow.HandleText(ctx, owner, "1000")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, e.reload(t, ad).Status)
	assert.NotZero(t, sessions.calls)
	assert.Zero(t, sessions.unbounded)
}

func TestResume(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	resumed, err := e.flow.Resume(ctx, owner)
	require.NoError(t, err)
	assert.False(t, resumed)

	ad := e.expiredAd(t, "Дыня")
	resumed, err = e.flow.Resume(ctx, owner)
	require.NoError(t, err)
	assert.True(t, resumed)
	d, _ := e.dialog(t)
	assert.Equal(t, ad.UniqueID, d.ItemID)
}

func TestChoose(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ad := e.expiredAd(t, "Томаты")

	require.NoError(t, e.flow.Choose(ctx, owner, ad.UniqueID, lifecycle.ActionFinalPrice))
	d, ok := e.dialog(t)
	require.True(t, ok)
	assert.Equal(t, session.StateAwaitingPrice, d.State)

	e.send(t, "12 500,50")
	got := e.reload(t, ad)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "12500.5", got.FinalPrice.Decimal.String())

	err := e.flow.Choose(ctx, owner, ad.UniqueID, lifecycle.ActionDelete)
	assert.NoError(t, err, "closed ads are reported to the user, not as errors")
	assert.Equal(t, messages.Text("ru", messages.AlreadyClosed), e.messenger.last())
}

func TestChooseRejectsForeignAd(t *testing.T) {
	e := newEnv(t)
	ad := e.expiredAd(t, "Чужое")

	require.NoError(t, e.flow.Choose(context.Background(), owner+1, ad.UniqueID, lifecycle.ActionCancel))
	assert.Equal(t, models.StatusPendingResponse, e.reload(t, ad).Status)
}

func TestCloseRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req, err := e.db.CreateItem(ctx, models.KindRequest, owner, "Ищу пшеницу", []string{"88"}, e.now.Add(-50*time.Hour))
	require.NoError(t, err)

	assert.Error(t, e.flow.CloseRequest(ctx, owner+1, req.UniqueID))

	require.NoError(t, e.flow.CloseRequest(ctx, owner, req.UniqueID))
	assert.Equal(t, models.StatusDeleted, e.reload(t, req).Status)
	assert.Equal(t, []string{"88"}, e.messenger.retracted)

	// a second press is harmless
	require.NoError(t, e.flow.CloseRequest(ctx, owner, req.UniqueID))
	assert.Equal(t, []string{"88"}, e.messenger.retracted)

	err = e.flow.CloseRequest(ctx, owner, "missing")
	assert.True(t, errors.Is(err, db.ErrItemNotFound))
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"150000", "150000", true},
		{" 150 000 ", "150000", true},
		{"150 000", "150000", true},
		{"1,5", "1.5", true},
		{"150,000", "150000", true},
		{"1,250,000.75", "1250000.75", true},
		{"2500.75", "2500.75", true},
		{"0", "", false},
		{"-3", "", false},
		{"abc", "", false},
		{"1e5", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParsePrice(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.String())
			}
		})
	}
}
