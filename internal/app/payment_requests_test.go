package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/payments-core/internal/domain"
	"github.com/transfa/payments-core/pkg/settlementclient"
)

func createIndividualRequest(t *testing.T, svc *Service, creator uuid.UUID, recipient string, amount int64) *domain.PaymentRequest {
	t.Helper()
	req, err := svc.CreatePaymentRequest(context.Background(), creator, domain.CreatePaymentRequestPayload{
		RequestType:       domain.PaymentRequestTypeIndividual,
		Title:             "Dinner split",
		RecipientUsername: &recipient,
		Amount:            amount,
	})
	require.NoError(t, err)
	return req
}

func TestCreatePaymentRequest_IndividualSnapshotsRecipient(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	payer := repo.addUser("payer", 0)
	svc, _ := newTestService(t, repo, nil)

	req := createIndividualRequest(t, svc, creator.ID, " Payer ", 2_500)

	assert.Equal(t, domain.PaymentRequestStatusPending, req.Status)
	require.NotNil(t, req.RecipientUserID)
	assert.Equal(t, payer.ID, *req.RecipientUserID)
	require.NotNil(t, req.RecipientUsername)
	assert.Equal(t, "payer", *req.RecipientUsername)
	assert.Equal(t, []string{notificationTypeRequestReceived}, repo.notificationTypes(payer.ID))
}

func TestCreatePaymentRequest_Validation(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	svc, _ := newTestService(t, repo, nil)
	self := "creator"

	cases := []struct {
		name    string
		payload domain.CreatePaymentRequestPayload
	}{
		{name: "missing title", payload: domain.CreatePaymentRequestPayload{Title: "  ", Amount: 100}},
		{name: "non-positive amount", payload: domain.CreatePaymentRequestPayload{Title: "x", Amount: 0}},
		{name: "individual without recipient", payload: domain.CreatePaymentRequestPayload{RequestType: "individual", Title: "x", Amount: 100}},
		{name: "request from self", payload: domain.CreatePaymentRequestPayload{RequestType: "individual", Title: "x", Amount: 100, RecipientUsername: &self}},
		{name: "unknown type", payload: domain.CreatePaymentRequestPayload{RequestType: "group", Title: "x", Amount: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePaymentRequest(context.Background(), creator.ID, tc.payload)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	general, err := svc.CreatePaymentRequest(context.Background(), creator.ID, domain.CreatePaymentRequestPayload{Title: "Rent", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRequestTypeGeneral, general.RequestType)
	assert.Nil(t, general.RecipientUserID)
}

func TestPayIncomingPaymentRequest_ImmediateSuccessFulfils(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	payer := repo.addUser("payer", 10_000)
	svc, publisher := newTestService(t, repo, &fakeGateway{status: "completed"})
	req := createIndividualRequest(t, svc, creator.ID, "payer", 2_500)

	result, err := svc.PayIncomingPaymentRequest(context.Background(), payer.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentRequestStatusFulfilled, result.Request.Status)
	require.NotNil(t, result.Request.FulfilledByUserID)
	assert.Equal(t, payer.ID, *result.Request.FulfilledByUserID)
	assert.Equal(t, domain.TransactionStatusCompleted, result.Transaction.Status)
	assert.Equal(t, domain.CategoryPaymentRequest, result.Transaction.Category)
	assert.Equal(t, int64(7_000), repo.balance(payer.ID))
	assert.Equal(t, int64(2_500), repo.balance(creator.ID))
	assert.Contains(t, publisher.published(), domain.EventPaymentRequestFulfilled)
	assert.Contains(t, repo.notificationTypes(creator.ID), notificationTypeRequestFulfilled)

	_, err = svc.PayIncomingPaymentRequest(context.Background(), payer.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidState, "a fulfilled request cannot be paid twice")
	assert.Equal(t, int64(7_000), repo.balance(payer.ID))
}

func TestPayIncomingPaymentRequest_CallbackFulfilsPendingPayment(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	payer := repo.addUser("payer", 10_000)
	svc, _ := newTestService(t, repo, &fakeGateway{status: "processing"})
	req := createIndividualRequest(t, svc, creator.ID, "payer", 2_500)
	ctx := context.Background()

	result, err := svc.PayIncomingPaymentRequest(ctx, payer.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRequestStatusProcessing, result.Request.Status)
	require.NotNil(t, result.Request.SettledTxID)

	_, err = svc.PayIncomingPaymentRequest(ctx, payer.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidState, "a processing request is not claimable before it goes stale")

	handler := svc.SettlementEventHandler()
	require.NoError(t, handler.HandleEvent(ctx, domain.TransferStatusEvent{
		ExternalRef: *result.Transaction.ExternalRef,
		Status:      "successful",
	}))

	stored := repo.requests[req.ID]
	assert.Equal(t, domain.PaymentRequestStatusFulfilled, stored.Status)
	assert.Equal(t, int64(2_500), repo.balance(creator.ID))
	assert.Equal(t, int64(7_000), repo.balance(payer.ID))
}

func TestPayIncomingPaymentRequest_CallbackFailureReleasesRequest(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	payer := repo.addUser("payer", 10_000)
	svc, _ := newTestService(t, repo, &fakeGateway{status: "processing"})
	req := createIndividualRequest(t, svc, creator.ID, "payer", 2_500)
	ctx := context.Background()

	result, err := svc.PayIncomingPaymentRequest(ctx, payer.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	require.NoError(t, err)

	require.NoError(t, svc.SettlementEventHandler().HandleEvent(ctx, domain.TransferStatusEvent{
		ExternalRef: *result.Transaction.ExternalRef,
		Status:      "failed",
	}))

	stored := repo.requests[req.ID]
	assert.Equal(t, domain.PaymentRequestStatusPending, stored.Status)
	assert.Nil(t, stored.SettledTxID)
	assert.Equal(t, int64(10_000), repo.balance(payer.ID))
}

func TestPayIncomingPaymentRequest_GatewayErrorReleasesAndRefunds(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	payer := repo.addUser("payer", 10_000)
	svc, _ := newTestService(t, repo, &fakeGateway{err: settlementclient.ErrUnavailable})
	req := createIndividualRequest(t, svc, creator.ID, "payer", 2_500)

	_, err := svc.PayIncomingPaymentRequest(context.Background(), payer.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	assert.ErrorIs(t, err, domain.ErrUpstream)

	stored := repo.requests[req.ID]
	assert.Equal(t, domain.PaymentRequestStatusPending, stored.Status)
	assert.Nil(t, stored.SettledTxID)
	assert.Equal(t, int64(10_000), repo.balance(payer.ID))
}

func TestPayIncomingPaymentRequest_InsufficientFundsReleases(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	payer := repo.addUser("payer", 1_000)
	svc, _ := newTestService(t, repo, &fakeGateway{status: "completed"})
	req := createIndividualRequest(t, svc, creator.ID, "payer", 2_500)

	_, err := svc.PayIncomingPaymentRequest(context.Background(), payer.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.PaymentRequestStatusPending, repo.requests[req.ID].Status)
}

func TestPayIncomingPaymentRequest_StaleProcessingIsReclaimable(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	payer := repo.addUser("payer", 10_000)
	svc, _ := newTestService(t, repo, &fakeGateway{status: "completed"})
	req := createIndividualRequest(t, svc, creator.ID, "payer", 2_500)

	startedAt := time.Now().Add(-10 * time.Minute)
	repo.requests[req.ID].Status = domain.PaymentRequestStatusProcessing
	repo.requests[req.ID].ProcessingStarted = &startedAt

	result, err := svc.PayIncomingPaymentRequest(context.Background(), payer.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRequestStatusFulfilled, result.Request.Status)
}

func TestPayIncomingPaymentRequest_GeneralRequestReleasedToNextPayer(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	bob := repo.addUser("bob", 10_000)
	carol := repo.addUser("carol", 10_000)
	gateway := &fakeGateway{err: settlementclient.ErrUnavailable}
	svc, _ := newTestService(t, repo, gateway)
	ctx := context.Background()

	req, err := svc.CreatePaymentRequest(ctx, creator.ID, domain.CreatePaymentRequestPayload{
		RequestType: domain.PaymentRequestTypeGeneral,
		Title:       "Team lunch",
		Amount:      2_500,
	})
	require.NoError(t, err)

	_, err = svc.PayIncomingPaymentRequest(ctx, creator.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidState, "the creator cannot pay their own request")

	_, err = svc.PayIncomingPaymentRequest(ctx, bob.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	require.ErrorIs(t, err, domain.ErrUpstream)
	released := repo.requests[req.ID]
	assert.Equal(t, domain.PaymentRequestStatusPending, released.Status)
	assert.Nil(t, released.PayerUserID)
	assert.Equal(t, int64(10_000), repo.balance(bob.ID))

	gateway.mu.Lock()
	gateway.err = nil
	gateway.status = "successful"
	gateway.mu.Unlock()

	viewed, err := svc.GetIncomingPaymentRequest(ctx, carol.ID, req.ID)
	require.NoError(t, err, "any user other than the creator can open a general request")
	assert.Equal(t, domain.PaymentRequestStatusPending, viewed.Status)

	result, err := svc.PayIncomingPaymentRequest(ctx, carol.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRequestStatusFulfilled, result.Request.Status)
	require.NotNil(t, result.Request.FulfilledByUserID)
	assert.Equal(t, carol.ID, *result.Request.FulfilledByUserID)
	assert.Equal(t, int64(2_500), repo.balance(creator.ID))
	assert.Equal(t, int64(10_000-2_500-testFee), repo.balance(carol.ID))

	_, err = svc.PayIncomingPaymentRequest(ctx, bob.ID, req.ID, domain.PayIncomingPaymentRequestPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidState, "a fulfilled request is not paid twice")
}

func TestDeclineIncomingPaymentRequest(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	payer := repo.addUser("payer", 0)
	svc, _ := newTestService(t, repo, nil)
	req := createIndividualRequest(t, svc, creator.ID, "payer", 2_500)
	reason := "  not mine "

	declined, err := svc.DeclineIncomingPaymentRequest(context.Background(), payer.ID, req.ID, domain.DeclineIncomingPaymentRequestPayload{Reason: &reason})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRequestStatusDeclined, declined.Status)
	require.NotNil(t, declined.DeclinedReason)
	assert.Equal(t, "not mine", *declined.DeclinedReason)
	assert.Contains(t, repo.notificationTypes(creator.ID), notificationTypeRequestDeclined)

	_, err = svc.DeclineIncomingPaymentRequest(context.Background(), payer.ID, req.ID, domain.DeclineIncomingPaymentRequestPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDeletePaymentRequest_OnlyCreator(t *testing.T) {
	repo := newMemRepo()
	creator := repo.addUser("creator", 0)
	other := repo.addUser("other", 0)
	svc, _ := newTestService(t, repo, nil)
	req := createIndividualRequest(t, svc, creator.ID, "other", 2_500)

	assert.ErrorIs(t, svc.DeletePaymentRequest(context.Background(), other.ID, req.ID), domain.ErrNotFound)
	assert.NoError(t, svc.DeletePaymentRequest(context.Background(), creator.ID, req.ID))
	assert.ErrorIs(t, svc.DeletePaymentRequest(context.Background(), creator.ID, req.ID), domain.ErrNotFound)
}
