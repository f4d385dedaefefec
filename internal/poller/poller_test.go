package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/coupon-exchange/internal/api"
	"github.com/rickgao/coupon-exchange/internal/model"
)

// fakeLister serves totalPages pages of perPage trades each.
type fakeLister struct {
	totalPages int
	perPage    int
	failPage   int // -1 = never
	delay      time.Duration

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeLister) ListTrades(ctx context.Context, opts api.ListTradesOptions) (*api.TradePage, error) {
	f.calls.Add(1)
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.maxInFlight.Load()
		if current <= old || f.maxInFlight.CompareAndSwap(old, current) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if opts.Page == f.failPage {
		return nil, &api.APIError{StatusCode: 500, Message: "boom"}
	}

	page := &api.TradePage{
		Page:       opts.Page,
		Size:       opts.Size,
		TotalPages: f.totalPages,
		Last:       opts.Page >= f.totalPages-1,
	}
	for i := 0; i < f.perPage; i++ {
		page.Content = append(page.Content, api.TradeRecord{
			TradeID: int64(opts.Page*f.perPage + i + 1),
			CardID:  int64(100 + i),
			Status:  string(model.StatusCompleted),
		})
	}
	return page, nil
}

// recordingSeeder collects every seeded batch.
type recordingSeeder struct {
	mu      sync.Mutex
	batches [][]model.Trade
}

func (s *recordingSeeder) SeedHistory(trades []model.Trade) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, trades)
	return len(trades)
}

func (s *recordingSeeder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestPoller_PollOnce(t *testing.T) {
	tests := []struct {
		name       string
		totalPages int
		maxPages   int
		wantCalls  int32
		wantSeeded int
	}{
		{"single page", 1, 10, 1, 3},
		{"all pages", 4, 10, 4, 12},
		{"capped by max pages", 8, 3, 3, 9},
		{"empty history", 0, 10, 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lister := &fakeLister{totalPages: tt.totalPages, perPage: 3, failPage: -1}
			seeder := &recordingSeeder{}
			p := New(Config{MaxPages: tt.maxPages, PageSize: 3, Concurrency: 2}, lister, seeder, nil)

			n, err := p.PollOnce(context.Background())
			if err != nil {
				t.Fatalf("PollOnce: %v", err)
			}
			if n != tt.wantSeeded {
				t.Errorf("seeded = %d, want %d", n, tt.wantSeeded)
			}
			if got := lister.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if seeder.count() != 1 {
				t.Errorf("seed batches = %d, want 1", seeder.count())
			}
		})
	}
}

func TestPoller_PageOrder(t *testing.T) {
	lister := &fakeLister{totalPages: 5, perPage: 2, failPage: -1}
	seeder := &recordingSeeder{}
	p := New(Config{MaxPages: 5, Concurrency: 5}, lister, seeder, nil)

	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	batch := seeder.batches[0]
	for i, tr := range batch {
		if tr.TradeID != int64(i+1) {
			t.Fatalf("batch[%d].TradeID = %d, want %d", i, tr.TradeID, i+1)
		}
	}
}

func TestPoller_PageErrorSeedsNothing(t *testing.T) {
	lister := &fakeLister{totalPages: 4, perPage: 2, failPage: 2}
	seeder := &recordingSeeder{}
	p := New(Config{MaxPages: 4, Concurrency: 4}, lister, seeder, nil)

	_, err := p.PollOnce(context.Background())
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want wrapped APIError", err)
	}
	if seeder.count() != 0 {
		t.Errorf("seed batches = %d, want 0", seeder.count())
	}
}

func TestPoller_Concurrency(t *testing.T) {
	lister := &fakeLister{totalPages: 20, perPage: 1, failPage: -1, delay: 30 * time.Millisecond}
	p := New(Config{MaxPages: 20, Concurrency: 3}, lister, SeederFunc(func(tr []model.Trade) int { return len(tr) }), nil)

	n, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 20 {
		t.Errorf("seeded = %d, want 20", n)
	}
	if got := lister.maxInFlight.Load(); got > 3 {
		t.Errorf("maxInFlight = %d, want <= 3", got)
	}
}

func TestPoller_StartStop(t *testing.T) {
	lister := &fakeLister{totalPages: 1, perPage: 1, failPage: -1}
	seeder := &recordingSeeder{}
	p := New(Config{Interval: 20 * time.Millisecond}, lister, seeder, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for seeder.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if seeder.count() < 2 {
		t.Errorf("cycles = %d, want >= 2", seeder.count())
	}
}

func TestPoller_OneShot(t *testing.T) {
	lister := &fakeLister{totalPages: 1, perPage: 1, failPage: -1}
	seeder := &recordingSeeder{}
	p := New(Config{}, lister, seeder, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := lister.calls.Load(); got > 1 {
		t.Errorf("calls = %d, want <= 1", got)
	}
}

func TestPoller_StopBeforeStart(t *testing.T) {
	p := New(Config{}, &fakeLister{}, nil, nil)
	if err := p.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop = %v, want ErrNotStarted", err)
	}
}

func TestPoller_WithRESTClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		id := 1
		if page == "1" {
			id = 11
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"code":"SUCCESS","status":200,"data":{"content":[{"tradeId":%d,"cardId":7,"dataAmount":1,"price":1000,"status":"ACCEPTED"}],"page":%s,"size":1,"totalPages":2,"last":%t}}`,
			id, page, page == "1")
	}))
	defer server.Close()

	client := api.NewClient(server.URL, nil, api.WithTimeout(5*time.Second))
	seeder := &recordingSeeder{}
	p := New(Config{PageSize: 1, MaxPages: 5}, client, seeder, nil)

	n, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("seeded = %d, want 2", n)
	}
	got := seeder.batches[0]
	if got[0].TradeID != 1 || got[1].TradeID != 11 {
		t.Errorf("trade ids = %d, %d; want 1, 11", got[0].TradeID, got[1].TradeID)
	}
}
