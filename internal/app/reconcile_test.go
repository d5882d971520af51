package app

import (
	"context"
	"testing"
	"time"

	"github.com/mshikaki/fundraising-service/internal/domain"
	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"go.uber.org/zap"
)

func TestReconcilePending(t *testing.T) {
	gateway := &gatewayStub{}
	svc, repo, _ := newTestService(t, gateway)
	ctx := context.Background()
	event := seedEvent(t, svc, 100000)

	settled := requestContribution(t, svc, event, 3000)
	cancelled := requestContribution(t, svc, event, 2000)
	processing := requestContribution(t, svc, event, 1000)
	broken := requestContribution(t, svc, event, 500)

	gateway.queryResults = map[string]*mpesa.QueryResult{
		*settled.ProviderRequestID:   {CheckoutRequestID: *settled.ProviderRequestID, ResultCode: 0, ResultDesc: "processed", Outcome: mpesa.OutcomeSucceeded},
		*cancelled.ProviderRequestID: {CheckoutRequestID: *cancelled.ProviderRequestID, ResultCode: 1032, ResultDesc: "Request cancelled by user", Outcome: mpesa.OutcomeCancelled},
	}
	gateway.queryErrs = map[string]error{
		*broken.ProviderRequestID: &mpesa.GatewayError{Kind: mpesa.ErrGatewayUnavailable, Operation: "stk_query"},
	}

	reconciler := NewReconciler(svc, time.Minute, 10, zap.NewNop())
	svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	summary, err := reconciler.ReconcilePending(ctx)
	if err != nil {
		t.Fatalf("ReconcilePending returned error: %v", err)
	}
	if summary.Scanned != 4 || summary.Applied != 2 || summary.StillPending != 1 || summary.Errors != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	want := map[string]domain.ContributionStatus{
		settled.ID.String():    domain.ContributionStatusSettled,
		cancelled.ID.String():  domain.ContributionStatusCancelled,
		processing.ID.String(): domain.ContributionStatusPending,
		broken.ID.String():     domain.ContributionStatusPending,
	}
	records, _ := repo.ListContributionsByEvent(ctx, event.ID)
	for _, r := range records {
		if r.Status != want[r.ID.String()] {
			t.Errorf("contribution %s: expected %s, got %s", r.ID, want[r.ID.String()], r.Status)
		}
	}

	total, _ := svc.Ledger().RecomputeTotal(ctx, event.ID)
	if total != 3000 {
		t.Fatalf("expected reconciled total 3000, got %d", total)
	}
}

func TestReconcilePendingSkipsRecentContributions(t *testing.T) {
	gateway := &gatewayStub{}
	svc, _, _ := newTestService(t, gateway)
	event := seedEvent(t, svc, 100000)
	requestContribution(t, svc, event, 3000)

	summary, err := NewReconciler(svc, 15*time.Minute, 10, zap.NewNop()).ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("ReconcilePending returned error: %v", err)
	}
	if summary.Scanned != 0 || len(gateway.queried) != 0 {
		t.Fatalf("expected recent contributions to be left alone, got %+v", summary)
	}
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	svc, _, _ := newTestService(t, &gatewayStub{})
	scheduler := NewScheduler(NewReconciler(svc, 0, 0, nil), "not a cron spec", zap.NewNop())
	if err := scheduler.Start(); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}
}
