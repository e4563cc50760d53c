package borrows

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"IRIS-lending/internal/asset_mgmt/inventory"
	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/borrowers"
	"IRIS-lending/internal/platform/apierr"
	"IRIS-lending/internal/platform/clock"
	"IRIS-lending/internal/platform/idgen"
)

var now = time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *lendstore.MemStore
	catalog *inventory.Catalog
	dir     *borrowers.StaticDirectory
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := lendstore.NewMemStore()
	clk := clock.NewManual(now)
	catalog := inventory.NewCatalog(store, zap.NewNop(), inventory.WithClock(clk))
	dir := borrowers.NewStaticDirectory("S1001", "S1002")
	engine := NewEngine(store, catalog, dir, zap.NewNop(), WithClock(clk), WithIDGen(idgen.NewULID()))
	return &fixture{store: store, catalog: catalog, dir: dir, engine: engine}
}

func (f *fixture) item(t *testing.T, id string, total int) {
	t.Helper()
	_, err := f.catalog.CreateItem(context.Background(), inventory.CreateItemRequest{ItemID: id, Name: id, TotalQuantity: total})
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T, id string) int {
	t.Helper()
	st, err := f.catalog.Status(context.Background(), id)
	require.NoError(t, err)
	return st.Available
}

func request(borrower string, lines ...LineRequest) SubmitRequest {
	return SubmitRequest{BorrowerID: borrower, ExpectedReturnDate: "2026-05-20", Purpose: "lab", Lines: lines}
}

func TestSubmit_ExhaustsThenRefuses(t *testing.T) {
	f := newFixture(t)
	f.item(t, "X", 5)

	res, err := f.engine.Submit(context.Background(), request("S1001", LineRequest{ItemID: "X", Quantity: 5}))
	require.NoError(t, err)
	assert.Equal(t, "borrowed", res.Status)
	assert.Equal(t, 0, f.available(t, "X"))

	_, err = f.engine.Submit(context.Background(), request("S1002", LineRequest{ItemID: "X", Quantity: 1}))
	var short *inventory.InsufficientAvailabilityError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, inventory.InsufficientAvailabilityError{ItemID: "X", Requested: 1, Available: 0}, *short)
}

func TestSubmit_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.item(t, "A", 3)
	f.item(t, "B", 1)

	_, err := f.engine.Submit(context.Background(), request("S1001",
		LineRequest{ItemID: "A", Quantity: 2},
		LineRequest{ItemID: "B", Quantity: 2},
	))
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeInsufficientAvailability))

	assert.Equal(t, 3, f.available(t, "A"), "reservation of A rolled back")
	assert.Equal(t, 1, f.available(t, "B"))

	list, err := f.engine.List(context.Background(), ListFilter{}, lendstore.Page{})
	require.NoError(t, err)
	assert.Zero(t, list.Total)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.item(t, "X", 5)
	ok := LineRequest{ItemID: "X", Quantity: 1}

	cases := []struct {
		name string
		req  SubmitRequest
		code apierr.Code
	}{
		{"no lines", request("S1001"), apierr.CodeEmptyRequest},
		{"zero quantity", request("S1001", LineRequest{ItemID: "X"}), apierr.CodeInvalidArgument},
		{"blank item", request("S1001", LineRequest{Quantity: 1}), apierr.CodeInvalidArgument},
		{"blank borrower", request(" ", ok), apierr.CodeInvalidArgument},
		{"unknown borrower", request("S9999", ok), apierr.CodeUnknownBorrower},
		{"past date", SubmitRequest{BorrowerID: "S1001", ExpectedReturnDate: "2026-05-09", Lines: []LineRequest{ok}}, apierr.CodeInvalidDateRange},
		{"earlier today", SubmitRequest{BorrowerID: "S1001", ExpectedReturnDate: "2026-05-10T09:00:00Z", Lines: []LineRequest{ok}}, apierr.CodeInvalidDateRange},
		{"bad date", SubmitRequest{BorrowerID: "S1001", ExpectedReturnDate: "next week", Lines: []LineRequest{ok}}, apierr.CodeInvalidArgument},
		{"unknown item", request("S1001", LineRequest{ItemID: "nope", Quantity: 1}), apierr.CodeNotFound},
		{"long borrower", request(strings.Repeat("S", lendstore.MaxRefLen+1), ok), apierr.CodeInvalidArgument},
		{"long item", request("S1001", LineRequest{ItemID: strings.Repeat("X", lendstore.MaxRefLen+1), Quantity: 1}), apierr.CodeInvalidArgument},
		{"long purpose", SubmitRequest{BorrowerID: "S1001", ExpectedReturnDate: "2026-05-20", Purpose: strings.Repeat("p", lendstore.MaxTextLen+1), Lines: []LineRequest{ok}}, apierr.CodeInvalidArgument},
		{"long location", SubmitRequest{BorrowerID: "S1001", ExpectedReturnDate: "2026-05-20", Location: strings.Repeat("l", lendstore.MaxTextLen+1), Lines: []LineRequest{ok}}, apierr.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Submit(context.Background(), tc.req)
			require.Error(t, err)
			ae, ok := apierr.From(err)
			require.True(t, ok, err.Error())
			assert.Equal(t, tc.code, ae.Code)
		})
	}
	assert.Equal(t, 5, f.available(t, "X"))
}

func TestSubmit_NormalizesAndMerges(t *testing.T) {
	f := newFixture(t)
	f.item(t, "X", 5)
	f.item(t, "Y", 5)

	res, err := f.engine.Submit(context.Background(), SubmitRequest{
		BorrowerID:         "ｓ１００１",
		ExpectedReturnDate: "2026-05-11",
		Location:           " room 204 ",
		Lines: []LineRequest{
			{ItemID: "Y", Quantity: 1},
			{ItemID: "X", Quantity: 2},
			{ItemID: "Y", Quantity: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "S1001", res.BorrowerID)
	assert.Equal(t, "room 204", res.Location)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, "Y", res.Lines[0].ItemID)
	assert.Equal(t, 3, res.Lines[0].Quantity)
	assert.Equal(t, time.Date(2026, 5, 11, 23, 59, 59, 0, time.UTC), res.ExpectedReturnDate)
	assert.Equal(t, 2, f.available(t, "Y"))
	assert.Equal(t, 3, f.available(t, "X"))
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Exists(ctx context.Context, ref string) (bool, error) {
	args := m.Called(ctx, ref)
	return args.Bool(0), args.Error(1)
}

func TestSubmit_DirectoryFailureIsNotAClientError(t *testing.T) {
	store := lendstore.NewMemStore()
	dir := new(mockDirectory)
	dir.On("Exists", mock.Anything, "S1001").Return(false, errors.New("identity service unreachable"))
	catalog := inventory.NewCatalog(store, zap.NewNop())
	e := NewEngine(store, catalog, dir, zap.NewNop(), WithClock(clock.NewManual(now)))

	_, err := e.Submit(context.Background(), request("S1001", LineRequest{ItemID: "X", Quantity: 1}))
	require.Error(t, err)
	assert.Equal(t, 500, apierr.ToHTTPStatus(err))
	dir.AssertExpectations(t)
}

// N concurrent borrowers race for N-1 units: exactly one loses.
func TestSubmit_ConcurrentReservations(t *testing.T) {
	const n = 32
	f := newFixture(t)
	f.item(t, "X", n-1)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.Submit(context.Background(), request("S1001", LineRequest{ItemID: "X", Quantity: 1}))
			mu.Lock()
			defer mu.Unlock()
			var short *inventory.InsufficientAvailabilityError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &short):
				fail++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, n-1, ok)
	assert.Equal(t, 1, fail)
	assert.Equal(t, 0, f.available(t, "X"))
}

// Opposite line orders must not deadlock.
func TestSubmit_NoDeadlockOnCrossingOrders(t *testing.T) {
	f := newFixture(t)
	f.item(t, "A", 100)
	f.item(t, "B", 100)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		lines := []LineRequest{{ItemID: "A", Quantity: 1}, {ItemID: "B", Quantity: 1}}
		if i%2 == 1 {
			lines[0], lines[1] = lines[1], lines[0]
		}
		wg.Add(1)
		go func(lines []LineRequest) {
			defer wg.Done()
			_, err := f.engine.Submit(ctx, request("S1002", lines...))
			assert.NoError(t, err)
		}(lines)
	}
	wg.Wait()
	assert.Equal(t, 50, f.available(t, "A"))
	assert.Equal(t, 50, f.available(t, "B"))
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	f.item(t, "X", 5)

	res, err := f.engine.Submit(context.Background(), request("S1001", LineRequest{ItemID: "X", Quantity: 1}))
	require.NoError(t, err)
	_, err = f.engine.Submit(context.Background(), request("S1002", LineRequest{ItemID: "X", Quantity: 1}))
	require.NoError(t, err)

	got, err := f.engine.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "borrowed", got.EffectiveStatus)
	require.NotNil(t, got.Verifications)
	assert.Zero(t, got.Verifications.Pending)

	_, err = f.engine.Get(context.Background(), "missing")
	assert.True(t, apierr.Is(err, apierr.CodeNotFound))

	list, err := f.engine.List(context.Background(), ListFilter{BorrowerID: "s1001"}, lendstore.Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, list.Total)

	list, err = f.engine.List(context.Background(), ListFilter{Status: "borrowed"}, lendstore.Page{Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, list.Total)
	require.NotNil(t, list.NextOffset)

	_, err = f.engine.List(context.Background(), ListFilter{Status: "lost"}, lendstore.Page{})
	assert.True(t, apierr.Is(err, apierr.CodeInvalidArgument))
}

func TestParseReturnDate(t *testing.T) {
	jst := time.FixedZone("JST", 9*3600)

	got, err := ParseReturnDate("2026-06-01", jst)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 14, 59, 59, 0, time.UTC), got)

	got, err = ParseReturnDate("2026-06-01T12:00:00+09:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC), got)

	_, err = ParseReturnDate("", time.UTC)
	assert.Error(t, err)
}
